// Package process starts launch plan steps as operating system processes.
//
// LocalLauncher implements engine.ProcessLauncher. Every process runs in its
// own process group so that a termination request reaches the whole tree a
// wrapper such as "ros2 run" forks. Output is streamed line by line to a
// zerolog logger tagged with the step and action names.
//
// Capture implements engine.CommandRunner and is used to evaluate command
// substitutions while a plan is built.
package process
