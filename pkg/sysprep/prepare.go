package sysprep

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dtc-ops/imageprep/pkg/errors"
	"github.com/dtc-ops/imageprep/pkg/procrun"
)

// PrepareOptions selects which pre-generalization cleanup steps run.
type PrepareOptions struct {
	SkipUserCleanup  bool
	SkipAgentCleanup bool
	SkipLogCleanup   bool

	// AppPatterns are display-name fragments of applications that block
	// generalization and must be uninstalled first.
	AppPatterns []string
}

// Preparer runs the cleanup steps that must precede generalization: account
// and profile removal, problem-application uninstall, agent identity
// cleanup, volume decryption, and log clearing.
type Preparer struct {
	runner procrun.Runner

	// DecryptPollAttempts bounds the decryption wait; DecryptPollInterval
	// is the fixed delay between status polls.
	DecryptPollAttempts int
	DecryptPollInterval time.Duration
}

// NewPreparer creates a preparer with production polling bounds.
func NewPreparer(runner procrun.Runner) *Preparer {
	return &Preparer{
		runner:              runner,
		DecryptPollAttempts: 90,
		DecryptPollInterval: 10 * time.Second,
	}
}

type prepStep struct {
	name   string
	skip   bool
	script string
}

// Run executes the selected steps in order. Each step streams its output to
// onLine; a failing step stops the sequence, since generalizing a partially
// cleaned system bakes leftover identity into the image.
func (p *Preparer) Run(ctx context.Context, opts PrepareOptions, onLine func(procrun.Stream, string)) error {
	steps := []prepStep{
		{name: "remove_user_accounts", skip: opts.SkipUserCleanup, script: userCleanupScript},
		{name: "uninstall_blocking_apps", script: uninstallScript(opts.AppPatterns)},
		{name: "clear_agent_identity", skip: opts.SkipAgentCleanup, script: agentCleanupScript},
		{name: "disable_volume_encryption", script: disableEncryptionScript},
	}

	for _, step := range steps {
		if step.skip {
			slog.Info("prepare_step_skipped", "step", step.name)
			continue
		}
		slog.Info("prepare_step_start", "step", step.name)
		code, lines, err := procrun.RunCollect(ctx, p.runner, procrun.PowerShell(step.script, onLine))
		if err != nil {
			return errors.Wrap(err, "prepare step "+step.name)
		}
		if code != 0 {
			slog.Error("prepare_step_failed", "step", step.name, "exit_code", code)
			return &errors.ExitError{Command: "prepare:" + step.name, ExitCode: code, Output: lines}
		}
		slog.Info("prepare_step_complete", "step", step.name)
	}

	if err := p.waitForDecryption(ctx); err != nil {
		return err
	}

	if !opts.SkipLogCleanup {
		slog.Info("prepare_step_start", "step", "clear_system_logs")
		code, lines, err := procrun.RunCollect(ctx, p.runner, procrun.PowerShell(logCleanupScript, onLine))
		if err != nil {
			return errors.Wrap(err, "prepare step clear_system_logs")
		}
		if code != 0 {
			return &errors.ExitError{Command: "prepare:clear_system_logs", ExitCode: code, Output: lines}
		}
	}

	return nil
}

// waitForDecryption polls encryption status until no volume is still
// decrypting. Decryption of a large volume takes a long and unpredictable
// time, so the bound is attempts, not wall clock.
func (p *Preparer) waitForDecryption(ctx context.Context) error {
	op := func() error {
		code, lines, err := procrun.RunCollect(ctx, p.runner, procrun.PowerShell(
			`(Get-BitLockerVolume | Where-Object { $_.VolumeStatus -eq 'DecryptionInProgress' }).Count`, nil))
		if err != nil {
			return backoff.Permanent(err)
		}
		if code != 0 {
			return backoff.Permanent(&errors.ExitError{Command: "decryption status", ExitCode: code, Output: lines})
		}
		remaining := 0
		for _, line := range lines {
			if n, perr := strconv.Atoi(strings.TrimSpace(line)); perr == nil {
				remaining = n
				break
			}
		}
		if remaining > 0 {
			slog.Info("decryption_in_progress", "volumes", remaining)
			return &errors.TransientError{Op: "decryption_wait", Detail: "volumes still decrypting"}
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.DecryptPollInterval), uint64(p.DecryptPollAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return errors.Wrap(err, "decryption wait exhausted")
	}
	return nil
}

const userCleanupScript = `
$currentUser = ([System.Security.Principal.WindowsIdentity]::GetCurrent().Name).Split('\')[-1]
$systemAccounts = @('Administrator','DefaultAccount','Guest','WDAGUtilityAccount', $currentUser)
$systemProfiles = @('Administrator','DefaultAccount','Guest','WDAGUtilityAccount','Public', $currentUser)
Get-LocalUser | Where-Object { $_.Name -notin $systemAccounts } | ForEach-Object {
    Write-Host "Removing user: $($_.Name)"
    try { Remove-LocalUser -Name $_.Name -ErrorAction Stop } catch { Write-Warning $_.Exception.Message }
}
Get-ChildItem -Path 'C:\Users' -Directory | Where-Object { $_.Name -notin $systemProfiles } | ForEach-Object {
    $folder = $_
    Write-Host "Removing profile folder: $($folder.FullName)"
    try {
        $profile = Get-CimInstance Win32_UserProfile | Where-Object { $_.LocalPath -eq $folder.FullName }
        if ($profile) { Remove-CimInstance -InputObject $profile -ErrorAction SilentlyContinue }
        Remove-Item -Path $folder.FullName -Recurse -Force -ErrorAction Stop
    } catch {
        Write-Warning "Failed to remove profile '$($folder.Name)': $($_.Exception.Message)"
    }
}`

func uninstallScript(patterns []string) string {
	var b strings.Builder
	b.WriteString(`
function Uninstall-App {
    param([string]$AppNamePattern)
    $regPaths = 'HKLM:\SOFTWARE\Microsoft\Windows\CurrentVersion\Uninstall\*', 'HKLM:\SOFTWARE\WOW6432Node\Microsoft\Windows\CurrentVersion\Uninstall\*'
    Get-ItemProperty $regPaths -ErrorAction SilentlyContinue | Where-Object { $_.DisplayName -like "*$AppNamePattern*" -and $_.UninstallString } | ForEach-Object {
        $app = $_
        Write-Host "Uninstalling: $($app.DisplayName)"
        if ($app.UninstallString -like "*msiexec*") {
            Start-Process "msiexec.exe" -ArgumentList "/x", $app.ProductCode, "/quiet", "/norestart" -Wait
        } else {
            $args = $app.UninstallString.Split(' ')
            $exe = $args[0]
            $rest = $args[1..($args.Length-1)] + "/S", "/silent", "/quiet"
            Start-Process $exe -ArgumentList $rest -Wait
        }
    }
}`)
	for _, pattern := range patterns {
		b.WriteString("\nUninstall-App -AppNamePattern \"" + pattern + "\"")
	}
	return b.String()
}

const agentCleanupScript = `
try { Remove-ItemProperty -Path 'HKLM:\SOFTWARE\WOW6432Node\NinjaRMM LLC\NinjaRMMAgent\Agent' -Name 'NodeId' -Force -ErrorAction Stop; Write-Host 'Removed NinjaRMM NodeId' } catch {}
try { Remove-Item -Path 'HKLM:\SOFTWARE\Veeam' -Recurse -Force -ErrorAction Stop; Write-Host 'Removed Veeam registry key' } catch {}
try { Remove-Item -Path 'C:\ProgramData\NinjaRMMAgent' -Recurse -Force -ErrorAction Stop; Write-Host 'Removed NinjaRMM data folder' } catch {}
try { Remove-Item -Path 'C:\ProgramData\Veeam' -Recurse -Force -ErrorAction Stop; Write-Host 'Removed Veeam data folder' } catch {}`

const disableEncryptionScript = `
$encryptedVolumes = Get-BitLockerVolume | Where-Object { $_.VolumeStatus -ne 'FullyDecrypted' }
if ($encryptedVolumes) {
    $encryptedVolumes | ForEach-Object {
        Write-Host "Disabling encryption on $($_.MountPoint)..."
        try { Disable-BitLocker -MountPoint $_.MountPoint -ErrorAction Stop } catch { Write-Warning $_.Exception.Message }
    }
} else {
    Write-Host "No encrypted volumes found."
}`

const logCleanupScript = `
wevtutil.exe cl Application
wevtutil.exe cl Security
wevtutil.exe cl Setup
wevtutil.exe cl System
if (Test-Path "$env:SystemRoot\Panther") { Remove-Item -Path "$env:SystemRoot\Panther\*" -Recurse -Force }`
