package archiso

import (
	"context"
	"reflect"
	"testing"

	"github.com/heyos/heyiso/internal/build"
	"github.com/heyos/heyiso/internal/command"
)

func TestAssembleArgs(t *testing.T) {
	t.Parallel()

	runner := &command.Recorder{Handler: func(command.Request) (command.Result, error) {
		return command.Result{ExitCode: 1}, nil
	}}
	assembler := &Assembler{Runner: runner}

	result, err := assembler.Assemble(context.Background(), build.AssemblyRequest{
		ProfileDir: "/ws/profile",
		WorkDir:    "/ws/work",
		OutDir:     "/ws/out",
	})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if result.Success() {
		t.Fatalf("expected exit status to be passed through")
	}

	want := []string{"mkarchiso", "-v", "-w", "/ws/work", "-o", "/ws/out", "/ws/profile"}
	if got := runner.Requests()[0].Args; !reflect.DeepEqual(got, want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
}
