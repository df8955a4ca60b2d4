package main

import (
	"os"
	"os/exec"

	"github.com/goyek/goyek/v2"
)

func run(a *goyek.A, name string, args ...string) {
	a.Helper()
	a.Log(name, args)
	cmd := exec.CommandContext(a.Context(), name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		a.Error(err)
	}
}

var vet = goyek.Define(goyek.Task{
	Name:  "vet",
	Usage: "Run go vet on all packages",
	Action: func(a *goyek.A) {
		run(a, "go", "vet", "./...")
	},
})

var test = goyek.Define(goyek.Task{
	Name:  "test",
	Usage: "Run unit tests (integration tests skipped)",
	Action: func(a *goyek.A) {
		run(a, "go", "test", "-short", "-race", "./...")
	},
})

var integration = goyek.Define(goyek.Task{
	Name:  "integration",
	Usage: "Run all tests including ones that need bash, git or docker",
	Action: func(a *goyek.A) {
		run(a, "go", "test", "-race", "./...")
	},
})

var render = goyek.Define(goyek.Task{
	Name:  "render",
	Usage: "Render the example experiment to testdata/rendered",
	Action: func(a *goyek.A) {
		run(a, "go", "run", "./cmd/gcmrun", "render", "-o", "testdata/rendered", "testdata/55cnce.yaml")
	},
})

var all = goyek.Define(goyek.Task{
	Name:  "all",
	Usage: "Run vet and unit tests",
	Deps:  goyek.Deps{vet, test},
})

func main() {
	goyek.SetDefault(all)
	goyek.Main(os.Args[1:])
}
