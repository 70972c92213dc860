// Command capture-service runs the capture API, workers, and housekeeping.
package main

import "github.com/JakeFAU/capture-service/cmd"

func main() {
	cmd.Execute()
}
