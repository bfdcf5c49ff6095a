package job

import "fmt"

// Decoder reconstructs a Job from its serialized continuation bytes
// plus the serialized states of any tasks it had in flight when it
// was suspended. taskBytes is empty for a job that was never
// suspended mid-run (the common case: first dispatch, or a next_job
// that hasn't started yet).
type Decoder func(jobBytes []byte, taskBytes [][]byte) (Job, error)

// registry is the closed, compile-time mapping from Name to Decoder:
// a closed registry is simpler than open-ended runtime registration
// and aligns with the fixed persistence format. Entries are added by
// Register, called once per job kind during process startup (see
// cmd/vaultd) — never in response to untrusted input, which is what
// keeps this "compile-time" in spirit despite being a Go map rather
// than a switch statement.
var registry = make(map[Name]Decoder)

// Register associates name with its Decoder. Calling Register twice
// for the same name panics: a duplicate registration is a programming
// error caught at startup, not a runtime condition to recover from.
func Register(name Name, dec Decoder) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("job: %q already registered", name))
	}
	registry[name] = dec
}

func decode(name Name, jobBytes []byte, taskBytes [][]byte) (Job, error) {
	dec, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("job: no decoder registered for %q", name)
	}
	return dec(jobBytes, taskBytes)
}
