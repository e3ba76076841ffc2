package svc

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// ServiceLogPath is the file the driftvault daemon appends to when running
// under a service manager that does not redirect stderr (launchd in
// particular). The serve path writes it directly; log viewing tails it.
const ServiceLogPath = "/var/log/driftvault-service.log"

// LogOptions configures log viewing behavior.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// ViewLogs displays driftvault daemon logs using platform-appropriate tools:
// journalctl on Linux, the daemon's own log file plus launchd capture files
// on macOS, and the Application event log on Windows.
func ViewLogs(opts LogOptions) error {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}

	switch runtime.GOOS {
	case "linux":
		return viewLogsLinux(opts)
	case "darwin":
		return viewLogsDarwin(opts)
	case "windows":
		return viewLogsWindows(opts)
	default:
		return fmt.Errorf("log viewing not supported on %s", runtime.GOOS)
	}
}

// viewLogsLinux uses journalctl to view systemd service logs.
func viewLogsLinux(opts LogOptions) error {
	args := []string{"-u", opts.ServiceName, "-n", strconv.Itoa(opts.Lines), "--no-pager"}
	if opts.Follow {
		args = append(args, "-f")
	}

	cmd := exec.Command("journalctl", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	return cmd.Run()
}

// viewLogsDarwin tails the daemon's own log file and whatever launchd
// captured. The daemon writes ServiceLogPath itself, so that file is the
// primary source; the launchd out/err files only hold output from before
// logging was set up.
func viewLogsDarwin(opts LogOptions) error {
	outLog := fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName)
	errLog := fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName)

	var sources []string
	for _, p := range []string{ServiceLogPath, errLog, outLog} {
		if fileExists(p) {
			sources = append(sources, p)
		}
	}

	if len(sources) == 0 {
		fmt.Printf("No log files found for service %q\n", opts.ServiceName)
		fmt.Printf("Expected log files:\n")
		fmt.Printf("  - %s\n", ServiceLogPath)
		fmt.Printf("  - %s\n", outLog)
		fmt.Printf("  - %s\n", errLog)
		return nil
	}

	if opts.Follow {
		args := append([]string{"-f"}, sources...)
		cmd := exec.Command("tail", args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Stdin = os.Stdin
		return cmd.Run()
	}

	for i, src := range sources {
		if len(sources) > 1 {
			if i > 0 {
				fmt.Println()
			}
			fmt.Printf("=== %s ===\n", src)
		}
		cmd := exec.Command("tail", "-n", strconv.Itoa(opts.Lines), src)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		_ = cmd.Run()
	}

	return nil
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// viewLogsWindows queries the Application event log via PowerShell. The
// service manager registers driftvault as an event source, so entries land
// under that provider name.
func viewLogsWindows(opts LogOptions) error {
	var psScript string
	if opts.Follow {
		psScript = fmt.Sprintf(`
$lastTime = (Get-Date).AddMinutes(-5)
Write-Host "Following logs for %s (Ctrl+C to stop)..."
while ($true) {
    $events = Get-WinEvent -FilterHashtable @{
        LogName = 'Application'
        ProviderName = '%s'
        StartTime = $lastTime
    } -ErrorAction SilentlyContinue

    if ($events) {
        $events | Sort-Object TimeCreated | ForEach-Object {
            Write-Host "$($_.TimeCreated) [$($_.LevelDisplayName)] $($_.Message)"
        }
        $lastTime = ($events | Sort-Object TimeCreated | Select-Object -Last 1).TimeCreated.AddSeconds(1)
    }
    Start-Sleep -Seconds 2
}
`, opts.ServiceName, opts.ServiceName)
	} else {
		psScript = fmt.Sprintf(`
$events = Get-WinEvent -FilterHashtable @{
    LogName = 'Application'
    ProviderName = '%s'
} -MaxEvents %d -ErrorAction SilentlyContinue

if ($events) {
    $events | Format-Table -Property TimeCreated, LevelDisplayName, Message -AutoSize -Wrap
} else {
    Write-Host "No log entries found for service '%s'"
    Write-Host "Try checking Event Viewer > Windows Logs > Application"
}
`, opts.ServiceName, opts.Lines, opts.ServiceName)
	}

	cmd := exec.Command("powershell", "-NoProfile", "-Command", psScript)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	err := cmd.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nCould not read Windows Event Log automatically.\n")
		fmt.Fprintf(os.Stderr, "To view logs manually:\n")
		fmt.Fprintf(os.Stderr, "  1. Open Event Viewer (eventvwr.msc)\n")
		fmt.Fprintf(os.Stderr, "  2. Navigate to Windows Logs > Application\n")
		fmt.Fprintf(os.Stderr, "  3. Filter by Source: %s\n", opts.ServiceName)
		return err
	}

	return nil
}
