package peer

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/buger/goterm"

	"github.com/sidkik/peersync/pkg/sync"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

const maxLogLines = 10

// observer is the part of a node that the status view reads.
type observer interface {
	Name() string
	Dir() string
	Port() int
	Peers() []sync.Peer
	Files() ([]string, error)
	LogLines() <-chan string
}

type status struct {
	name  string
	dir   string
	port  int
	peers []sync.Peer
	files []string

	// filesErr is set if the sync directory couldn't be listed.
	filesErr error

	logs []string
}

func printStatus(ctx context.Context, n observer) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	var logs []string
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-n.LogLines():
			logs = appendLog(logs, line)
			continue
		case <-ticker.C:
		}

		files, err := n.Files()
		st := status{
			name:     n.Name(),
			dir:      n.Dir(),
			port:     n.Port(),
			peers:    n.Peers(),
			files:    files,
			filesErr: err,
			logs:     logs,
		}

		goterm.Clear()
		goterm.MoveCursor(1, 1)
		goterm.Flush()
		fmt.Fprint(stdout, st.String())
	}
}

// appendLog adds `line` to `logs`, and drops the oldest lines so that only
// the latest maxLogLines are kept.
func appendLog(logs []string, line string) []string {
	logs = append(logs, line)
	if len(logs) > maxLogLines {
		logs = logs[len(logs)-maxLogLines:]
	}
	return logs
}

func (st status) String() string {
	out := goterm.Bold(fmt.Sprintf("Peer %s", st.name)) +
		fmt.Sprintf(" (port %d, syncing %s)\n\n", st.port, st.dir)

	out += goterm.Bold("Peers") + "\n"
	if len(st.peers) == 0 {
		out += goterm.Color("No other peers registered", goterm.YELLOW) + "\n"
	} else {
		table := goterm.NewTable(0, 10, 5, ' ', 0)
		fmt.Fprintln(table, "NAME\tADDRESS")
		for _, peer := range st.peers {
			fmt.Fprintf(table, "%s\t%s\n", goterm.Color(peer.Name, goterm.GREEN), peer.Address())
		}
		out += table.String()
	}

	out += "\n" + goterm.Bold("Files") + "\n"
	switch {
	case st.filesErr != nil:
		out += goterm.Color(fmt.Sprintf("Failed to list files: %s", st.filesErr), goterm.RED) + "\n"
	case len(st.files) == 0:
		out += "No files\n"
	default:
		for _, file := range st.files {
			out += file + "\n"
		}
	}

	if len(st.logs) != 0 {
		out += "\n" + goterm.Bold("Logs") + "\n"
		for _, line := range st.logs {
			out += line + "\n"
		}
	}
	return out
}
