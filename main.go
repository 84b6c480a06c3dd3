package main

import (
	"context"
	"os"

	"github.com/tphakala/pulsecheck/cmd"
	"github.com/tphakala/pulsecheck/internal/buildinfo"
	"github.com/tphakala/pulsecheck/internal/conf"

	// Inference backends register themselves with the classifier.
	_ "github.com/tphakala/pulsecheck/internal/classifier/layers"
	_ "github.com/tphakala/pulsecheck/internal/classifier/tflite"
)

// version and buildDate are set at build time with
// -ldflags "-X main.version=... -X main.buildDate=..."
var (
	version   = "dev"
	buildDate = buildinfo.UnknownValue
)

func main() {
	settings := &conf.Settings{}
	build := buildinfo.NewContext(version, buildDate, "")

	root := cmd.RootCommand(settings, build)
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
