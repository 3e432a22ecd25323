// The main package for the crawl-task-consumer executable.
package main

import (
	"github.com/JakeFAU/crawl-task-consumer/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
