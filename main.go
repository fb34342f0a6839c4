package main

import (
	"github.com/worldbox/worldbox/cmd"
	"github.com/worldbox/worldbox/internal/world"
)

func main() {
	// Re-executed children become world init before anything else runs.
	world.MaybeWorldInit()
	cmd.Execute()
}
