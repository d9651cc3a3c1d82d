// Command rollcall runs the face-recognition attendance service and its
// operator tooling.
package main

func main() {
	Execute()
}
