// Package config loads launch files and runtime settings.
//
// # Launch files
//
// Three front ends decode into the same LaunchFile structure:
//
//   - CUE (.cue), unified with the built-in #LaunchFile definition
//   - Starlark (.star), where the script calls launch() with values built by
//     arg(), process(), component() and include()
//   - YAML or JSON (.yaml, .yml, .json)
//
// Every decoded file is checked with go-playground/validator and against
// the CUE schema before it is converted to an engine.LaunchDescription.
//
// String values use a small expression language:
//
//	$(var model)                   launch argument
//	$(env GZ_WORLD empty)          environment variable with default
//	$(command xacro $(var model))  trimmed output of a command
//
// Plain text and expressions may be mixed; "$$" is a literal dollar sign.
//
// # Includes
//
// An include action names another launch file relative to the including
// file. Loader.Load follows includes recursively and fails with
// INCLUDE_CYCLE when a file includes itself, directly or indirectly.
//
//	loader, err := config.NewLoader(logger)
//	if err != nil {
//	    return err
//	}
//	res, err := loader.Load(ctx, "examples/sam_bot/display.launch.yaml")
//	if err != nil {
//	    return err
//	}
//	plan, err := engine.NewPlanBuilder(runner).Build(ctx, res.Description, overrides)
//
// # Settings
//
// LoadSettings reads simlaunch.yaml, applies SIMLAUNCH_* environment
// overrides and validates the result.
package config
