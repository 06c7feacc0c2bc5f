package cli

// validateFlags centralizes common flag combinations to keep behavior consistent.
func validateFlags(globals *Globals, tf *TraceFlags, ff *FilterFlags) error {
	// quiet + text hides the lifecycle and leaves bare lines; steer to ndjson
	if globals != nil && globals.Format == "text" && globals.Quiet {
		return outputErrorCommon(globals, "INVALID_FLAGS", "--quiet is only supported with ndjson output", "switch to --format ndjson or drop --quiet")
	}
	if tf != nil {
		if tf.StartTimeout <= 0 {
			return outputErrorCommon(globals, "INVALID_FLAGS", "--start-timeout must be positive", "pass the number of seconds, e.g. --start-timeout 30")
		}
		if tf.MaxEvents < 0 {
			return outputErrorCommon(globals, "INVALID_FLAGS", "--max-events cannot be negative")
		}
	}
	if ff != nil && ff.DedupeWindow > 0 && !ff.Dedupe {
		return outputErrorCommon(globals, "INVALID_FLAGS", "--dedupe-window requires --dedupe", "add --dedupe")
	}
	return nil
}
