package engine

import (
	"context"
	"errors"
	"testing"
)

func newTestResolver(t *testing.T, runner CommandRunner) *SubstitutionResolver {
	t.Helper()
	store, err := NewScopedStore([]LaunchArgument{
		{Name: "model", Default: StringPtr("robot.xacro")},
		{Name: "use_sim_time", Default: StringPtr("True")},
	}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	env := map[string]string{"ROS_DOMAIN_ID": "7"}
	return NewSubstitutionResolver(store, runner).WithLookupEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
}

func TestSubstitutionResolver_Literal(t *testing.T) {
	r := newTestResolver(t, nil)
	got, err := r.Evaluate(context.Background(), Literal("-d"))
	if err != nil || got != "-d" {
		t.Errorf("Expected -d, got %q (%v)", got, err)
	}
}

func TestSubstitutionResolver_Argument(t *testing.T) {
	r := newTestResolver(t, nil)
	got, err := r.Evaluate(context.Background(), Arg("use_sim_time"))
	if err != nil || got != "True" {
		t.Errorf("Expected True, got %q (%v)", got, err)
	}
}

func TestSubstitutionResolver_CommandTrimsTrailingWhitespace(t *testing.T) {
	runner := newFakeRunner()
	runner.results["xacro"] = &CommandResult{Stdout: "  <robot/>\n\t \n"}
	r := newTestResolver(t, runner)

	got, err := r.Evaluate(context.Background(), Command(Literal("xacro"), Arg("model")))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got != "  <robot/>" {
		t.Errorf("Expected only trailing whitespace trimmed, got %q", got)
	}
	if runner.calls[0] != "xacro robot.xacro" {
		t.Errorf("Expected xacro to receive the model path, got %q", runner.calls[0])
	}
}

func TestSubstitutionResolver_CommandToolWithEmbeddedArgs(t *testing.T) {
	runner := newFakeRunner()
	runner.results["xacro"] = &CommandResult{Stdout: "<robot/>"}
	r := newTestResolver(t, runner)

	sub := Command(Join(Literal("xacro "), Arg("model")))
	if _, err := r.Evaluate(context.Background(), sub); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if runner.calls[0] != "xacro robot.xacro" {
		t.Errorf("Expected tool split from its argument, got %q", runner.calls[0])
	}
}

func TestSubstitutionResolver_CommandCached(t *testing.T) {
	runner := xacroRunner()
	r := newTestResolver(t, runner)
	sub := Command(Literal("xacro"), Arg("model"))

	for i := 0; i < 3; i++ {
		if _, err := r.Evaluate(context.Background(), sub); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}
	if runner.callCount() != 1 {
		t.Errorf("Expected 1 invocation, got %d", runner.callCount())
	}
}

func TestSubstitutionResolver_CommandNonZeroExit(t *testing.T) {
	runner := newFakeRunner()
	runner.results["xacro"] = &CommandResult{ExitCode: 2, Stderr: "No such file: robot.xacro\n"}
	r := newTestResolver(t, runner)

	_, err := r.Evaluate(context.Background(), Command(Literal("xacro"), Arg("model")))
	if !HasCode(err, ErrCodeSubstitutionExecFailed) {
		t.Fatalf("Expected %s, got: %v", ErrCodeSubstitutionExecFailed, err)
	}

	var le *LaunchError
	asLaunchError(err, &le)
	if le.Details["stderr"] != "No such file: robot.xacro" {
		t.Errorf("Expected stderr in details, got %v", le.Details)
	}
}

func TestSubstitutionResolver_CommandStartFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.errs["xacro"] = errors.New("executable file not found in $PATH")
	r := newTestResolver(t, runner)

	_, err := r.Evaluate(context.Background(), Command(Literal("xacro")))
	if !HasCode(err, ErrCodeSubstitutionExecFailed) {
		t.Errorf("Expected %s, got: %v", ErrCodeSubstitutionExecFailed, err)
	}
}

func TestSubstitutionResolver_Environment(t *testing.T) {
	r := newTestResolver(t, nil)

	got, err := r.Evaluate(context.Background(), Env("ROS_DOMAIN_ID", nil))
	if err != nil || got != "7" {
		t.Errorf("Expected 7, got %q (%v)", got, err)
	}

	got, err = r.Evaluate(context.Background(), Env("GZ_VERSION", StringPtr("harmonic")))
	if err != nil || got != "harmonic" {
		t.Errorf("Expected default harmonic, got %q (%v)", got, err)
	}

	_, err = r.Evaluate(context.Background(), Env("GZ_VERSION", nil))
	if !HasCode(err, ErrCodeUnresolvedEnvironment) {
		t.Errorf("Expected %s, got: %v", ErrCodeUnresolvedEnvironment, err)
	}
}

func TestSubstitutionResolver_Join(t *testing.T) {
	r := newTestResolver(t, nil)
	got, err := r.Evaluate(context.Background(), Join(Literal("sim_time:="), Arg("use_sim_time")))
	if err != nil || got != "sim_time:=True" {
		t.Errorf("Expected sim_time:=True, got %q (%v)", got, err)
	}
}

func TestSubstitution_String(t *testing.T) {
	tests := []struct {
		sub  Substitution
		want string
	}{
		{Literal("gz"), "gz"},
		{Arg("model"), "$(var model)"},
		{Env("HOME", nil), "$(env HOME)"},
		{Env("GZ", StringPtr("x")), "$(env GZ x)"},
		{Command(Literal("xacro"), Arg("model")), "$(command xacro $(var model))"},
		{Join(Literal("a="), Arg("b")), "a=$(var b)"},
	}
	for _, tt := range tests {
		if got := tt.sub.String(); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}
