package config

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/simlaunch/pkg/engine"
)

func strPtr(s string) *string { return &s }

func TestParseExpression(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want engine.Substitution
	}{
		{
			name: "plain text",
			in:   "robot_state_publisher",
			want: engine.Literal("robot_state_publisher"),
		},
		{
			name: "empty",
			in:   "",
			want: engine.Literal(""),
		},
		{
			name: "argument",
			in:   "$(var use_sim_time)",
			want: engine.Arg("use_sim_time"),
		},
		{
			name: "environment without default",
			in:   "$(env HOME)",
			want: engine.Env("HOME", nil),
		},
		{
			name: "environment with default",
			in:   "$(env ROS_DOMAIN_ID 0)",
			want: engine.Env("ROS_DOMAIN_ID", strPtr("0")),
		},
		{
			name: "text around argument",
			in:   "-d $(var rvizconfig).rviz",
			want: engine.Join(engine.Literal("-d "), engine.Arg("rvizconfig"), engine.Literal(".rviz")),
		},
		{
			name: "command with nested argument",
			in:   "$(command xacro $(var model))",
			want: engine.Command(engine.Literal("xacro"), engine.Arg("model")),
		},
		{
			name: "command argument mixing text",
			in:   "$(command xacro robot:=$(var name) --inorder)",
			want: engine.Command(engine.Literal("xacro"),
				engine.Join(engine.Literal("robot:="), engine.Arg("name")),
				engine.Literal("--inorder")),
		},
		{
			name: "escaped dollar",
			in:   "cost $$5",
			want: engine.Literal("cost $5"),
		},
		{
			name: "extra spaces inside",
			in:   "$(  var   model )",
			want: engine.Arg("model"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseExpression(tt.in)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseExpression(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func TestParseExpression_RoundTripsThroughString(t *testing.T) {
	in := "$(command xacro $(var model) use_sim:=$(var use_sim_time))"
	sub := MustParseExpression(in)
	if sub.String() != in {
		t.Errorf("Expected %q, got %q", in, sub.String())
	}
}

func TestParseExpression_Errors(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr string
	}{
		{"unterminated", "$(var model", "unterminated substitution"},
		{"empty", "$()", "empty substitution"},
		{"unknown kind", "$(find pkg)", `unknown substitution "find"`},
		{"var without name", "$(var)", "var takes exactly one plain argument name"},
		{"var with two names", "$(var a b)", "var takes exactly one plain argument name"},
		{"env too many words", "$(env A b c)", "env takes a variable name"},
		{"command without tool", "$(command)", "command requires a tool"},
		{"computed kind", "$($(var k) x)", "substitution kind must be a plain word"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseExpression(tt.in)
			if err == nil {
				t.Fatalf("Expected error for %q", tt.in)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestMustParseExpression_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for invalid expression")
		}
	}()
	MustParseExpression("$(var")
}
