// Command pmctl runs the meeting pipeline and the assistant locally against
// a SQLite checkpoint store.
package main

func main() {
	Execute()
}
