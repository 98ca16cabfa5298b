// Command graphwire talks to a graph endpoint and can run the in-memory
// reference server.
package main

func main() {
	Execute()
}
