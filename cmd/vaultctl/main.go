// Command vaultctl is a thin control client for a running vaultd: it
// talks to internal/statusd's HTTP surface to list jobs, inspect one,
// and drive the pause/resume/cancel lifecycle already exposed as the
// Job System's own public contract. Subcommand dispatch is an
// os.Args[1] switch evaluated before flag.Parse, one handler per
// subcommand; the cancel confirmation prompt follows the usual
// term.IsTerminal/PromptYesNo pattern for refusing non-interactive
// destructive actions.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	addr := flag.NewFlagSet("vaultctl", flag.ExitOnError)
	server := addr.String("addr", "http://127.0.0.1:7777", "vaultd status server address")
	yes := addr.Bool("yes", false, "skip the interactive confirmation prompt")

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "jobs":
		err = addr.Parse(args)
		if err == nil {
			err = listJobs(*server)
		}
	case "show":
		err = addr.Parse(args)
		if err == nil {
			err = showJob(*server, addr.Arg(0))
		}
	case "pause", "resume":
		err = addr.Parse(args)
		if err == nil {
			err = control(*server, cmd, addr.Arg(0))
		}
	case "cancel":
		err = addr.Parse(args)
		if err == nil {
			err = cancel(*server, addr.Arg(0), *yes)
		}
	case "stats":
		err = addr.Parse(args)
		if err == nil {
			err = showStats(*server)
		}
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "vaultctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: vaultctl <command> [flags] [job-id]

commands:
  jobs              list known jobs and their status
  show <id>         show one job's report
  pause <id>        pause a running job
  resume <id>       resume a paused job
  cancel <id>       cancel a job (prompts for confirmation unless -yes)
  stats             show sync engine counters

flags:
  -addr string   vaultd status server address (default "http://127.0.0.1:7777")
  -yes           skip the cancel confirmation prompt`)
}

type reportView struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	LocationID         string    `json:"location_id"`
	Status             string    `json:"status"`
	TaskCount          int       `json:"task_count"`
	CompletedTaskCount int       `json:"completed_task_count"`
	SecondsElapsed     float64   `json:"seconds_elapsed"`
	Message            string    `json:"message"`
	NonCriticalErrors  []string  `json:"non_critical_errors,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	CompletedAt        time.Time `json:"completed_at"`
}

func listJobs(base string) error {
	var reports []reportView
	if err := getJSON(base+"/jobs", &reports); err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Println("no jobs")
		return nil
	}
	for _, r := range reports {
		fmt.Printf("%s  %-8s  %-10s  %d/%d tasks  %s\n", r.ID, r.Name, r.Status, r.CompletedTaskCount, r.TaskCount, r.Message)
	}
	return nil
}

func showJob(base, id string) error {
	if id == "" {
		return fmt.Errorf("show requires a job id")
	}
	var r reportView
	if err := getJSON(base+"/jobs/"+id, &r); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func control(base, verb, id string) error {
	if id == "" {
		return fmt.Errorf("%s requires a job id", verb)
	}
	resp, err := http.Post(base+"/jobs/"+id+"/"+verb, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: server returned %s", verb, id, resp.Status)
	}
	fmt.Printf("%sd %s\n", verb, id)
	return nil
}

// cancel asks for confirmation before issuing the HTTP cancel — a job
// can be mid-way through writing file content, and canceling loses
// whatever progress its task hasn't yet checkpointed.
func cancel(base, id string, skipConfirm bool) error {
	if id == "" {
		return fmt.Errorf("cancel requires a job id")
	}
	if !skipConfirm {
		ok, err := promptYesNo(fmt.Sprintf("cancel job %s? progress since its last checkpoint is lost", id))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("aborted")
			return nil
		}
	}
	return control(base, "cancel", id)
}

// promptYesNo refuses outside an interactive terminal rather than
// silently assuming an answer.
func promptYesNo(prompt string) (bool, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return false, fmt.Errorf("interactive confirmation requires a terminal (use -yes to skip it)")
	}
	fmt.Fprint(os.Stderr, prompt+" (y/n): ")
	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes", nil
}

func showStats(base string) error {
	var stats struct {
		OperationsWritten int64
		OperationsApplied int64
		ConflictsResolved int64
	}
	if err := getJSON(base+"/stats", &stats); err != nil {
		return err
	}
	fmt.Printf("operations written:  %d\n", stats.OperationsWritten)
	fmt.Printf("operations applied:  %d\n", stats.OperationsApplied)
	fmt.Printf("conflicts resolved:  %d\n", stats.ConflictsResolved)
	return nil
}

func getJSON(url string, v interface{}) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: server returned %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
