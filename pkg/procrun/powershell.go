package procrun

// PowerShell builds a Spec that runs a script block through powershell.exe
// with profile loading and execution policy disabled. Progress rendering is
// suppressed so streamed output stays line-oriented.
func PowerShell(script string, onLine func(Stream, string)) Spec {
	return Spec{
		Command: "powershell",
		Args: []string{
			"-NoProfile",
			"-ExecutionPolicy", "Bypass",
			"-Command", "$ProgressPreference = 'SilentlyContinue'; " + script,
		},
		OnLine: onLine,
	}
}
