// brokerd - resource broker daemon.
package main

func main() {
	Execute()
}
