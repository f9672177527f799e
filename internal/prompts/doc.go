// Package prompts holds the instructions sent to the model.
//
// Prompt text is Go code rather than config because it is program
// logic: it names the tools the generation loop declares and describes
// the turn layout the history formatter produces, so the three have to
// change together. Each prompt gets an exported function that takes
// the dynamic parts and returns the interpolated string.
package prompts
