// inkhub-cli is a headless canvas participant: it speaks the full wire
// protocol through the reconnecting transport and prints what a canvas
// would render. Handy for poking at a hub without a browser.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ergochat/readline"

	"github.com/inkhub/inkhub/client"
	"github.com/inkhub/inkhub/protocol"
	"github.com/inkhub/inkhub/utils"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("connect"),
	readline.PcItem("disconnect"),
	readline.PcItem("draw"),
	readline.PcItem("clear"),
	readline.PcItem("undo"),
	readline.PcItem("redo"),
	readline.PcItem("cursor"),
	readline.PcItem("peers"),
	readline.PcItem("latency"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// termRenderer narrates render calls instead of rasterizing them.
type termRenderer struct{}

func (termRenderer) DrawStroke(points []protocol.Point, color string, width float64) {
	fmt.Fprintf(os.Stderr, "~ stroke %d points color=%s width=%.1f\n", len(points), color, width)
}

func (termRenderer) Clear() {
	fmt.Fprintln(os.Stderr, "~ canvas cleared")
}

var ErrBadPoint = errors.New("bad point, want x,y")

func parsePoints(args []string) ([]protocol.Point, error) {
	points := make([]protocol.Point, 0, len(args))
	for _, arg := range args {
		xy := strings.SplitN(arg, ",", 2)
		if len(xy) != 2 {
			return nil, ErrBadPoint
		}
		x, err := strconv.ParseFloat(xy[0], 64)
		if err != nil {
			return nil, ErrBadPoint
		}
		y, err := strconv.ParseFloat(xy[1], 64)
		if err != nil {
			return nil, ErrBadPoint
		}
		points = append(points, protocol.Point{X: x, Y: y})
	}
	return points, nil
}

func main() {
	urlFlag := flag.String("url", "ws://127.0.0.1:8080/ws", "hub websocket URL")
	colorFlag := flag.String("color", "#000000", "stroke color")
	widthFlag := flag.Float64("width", 2, "stroke width")
	flag.Parse()

	log := utils.NewDefaultLogger(slog.LevelWarn)

	tr := client.NewTransport(client.WebsocketDialer(*urlFlag), client.TransportOptions{Logger: log})
	defer tr.Close()
	rec := client.NewReconciler(tr, termRenderer{}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	l, err := readline.NewEx(&readline.Config{
		Prompt:          "✎ ",
		HistoryFile:     "/tmp/inkhub-cli.tmp",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			} else {
				continue
			}
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		args := strings.Split(line, " ")
		cmd := args[0]
		args = args[1:]
		err = nil
		switch cmd {
		case "", "help":
			fmt.Println("connect | disconnect | draw x,y x,y ... | clear | undo | redo | cursor x y | peers | latency | exit")
		case "connect":
			tr.Connect()
		case "disconnect":
			tr.Disconnect()
		case "draw":
			var points []protocol.Point
			if points, err = parsePoints(args); err == nil {
				err = rec.DrawLocal(points, *colorFlag, *widthFlag)
			}
		case "clear":
			err = rec.ClearLocal()
		case "undo":
			err = rec.UndoLocal()
		case "redo":
			err = rec.RedoLocal()
		case "cursor":
			if len(args) != 2 {
				err = ErrBadPoint
				break
			}
			var p []protocol.Point
			if p, err = parsePoints([]string{args[0] + "," + args[1]}); err == nil {
				err = rec.CursorLocal(p[0].X, p[0].Y)
			}
		case "peers":
			id, color := rec.Self()
			fmt.Printf("self %s %s\n", id, color)
			for _, p := range rec.Peers() {
				fmt.Printf("peer %s %s cursor=(%.0f,%.0f)\n", p.ID, p.Color, p.Cursor.X, p.Cursor.Y)
			}
		case "latency":
			fmt.Printf("last=%dms avg=%.1fms\n", tr.LatencyMs(), tr.AvgLatencyMs())
		case "exit", "quit":
			return
		default:
			_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
		}

		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error executing %s: %s\n", cmd, err.Error())
		}
	}
}
