// Wstest tests wsignal's WebSocket connection against the fuzzing server of
// the [Autobahn Testsuite].
//
// [Autobahn Testsuite]: https://github.com/crossbario/autobahn-testsuite
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/tzrikka/wsignal/internal/logger"
	"github.com/tzrikka/wsignal/pkg/websocket"
)

const (
	baseURL = "ws://127.0.0.1:9001"
	agent   = "wsignal"
)

func main() {
	l := logger.FromContext(context.Background())

	n := getCaseCount()
	l.Info().Int("n", n).Msg("case count")

	// Not implemented here (excluded in "config/fuzzingserver.json"):
	//   - 6.4.*: fail-fast on invalid UTF-8 frames,
	//   - 12.* and 13.*: WebSocket compression.
	for i := range n {
		runCase(i + 1)
	}

	updateReports()
}

func dial(url string) (*websocket.Conn, error) {
	return websocket.Dial(context.Background(), url)
}

// getCaseCount retrieves the number of enabled test cases from the
// Autobahn fuzzing server, using a WebSocket request.
func getCaseCount() int {
	conn, err := dial(baseURL + "/getCaseCount")
	if err != nil {
		logger.FatalError("dial error", err)
	}

	var n int
	done := make(chan struct{})
	conn.OnText(func(text string) {
		v, err := strconv.Atoi(text)
		if err != nil {
			logger.FatalError("invalid test case count", err)
		}
		n = v
	})
	conn.OnClose(func(uint16, string) { close(done) })
	<-done

	return n
}

// updateReports instructs the Autobahn fuzzing server to generate/update
// all the HTML and JSON files for all the test-case results.
func updateReports() {
	logger.FromContext(context.Background()).Info().Msg("updating reports")

	url := fmt.Sprintf("%s/updateReports?agent=%s", baseURL, agent)
	if _, err := dial(url); err != nil {
		logger.FatalError("dial error", err)
	}
}

func runCase(i int) {
	l := logger.FromContext(context.Background()).With().Int("case", i).Logger()
	l.Info().Msg("starting test")

	conn, err := dial(fmt.Sprintf("%s/runCase?case=%d&agent=%s", baseURL, i, agent))
	if err != nil {
		logger.FatalError("dial error", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)

	conn.OnText(func(text string) {
		l.Info().Int("length", len(text)).Str("opcode", "text").Msg("received message")
		if err := conn.SendText(text); err != nil {
			l.Error().Err(err).Msg("echo error")
			conn.Close(websocket.StatusNormalClosure, "")
		}
	})

	conn.OnBinary(func(in *websocket.InStream) {
		l.Info().Str("opcode", "binary").Msg("received message")
		out, err := conn.BeginBinary()
		if err != nil {
			l.Error().Err(err).Msg("echo error")
			return
		}
		buf := make([]byte, 4096)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				if _, werr := out.Write(buf[:n]); werr != nil {
					l.Error().Err(werr).Msg("echo error")
					break
				}
			}
			if err != nil {
				break
			}
		}
		_ = out.Close()
	})

	conn.OnClose(func(uint16, string) {
		l.Debug().Msg("connection closed")
		wg.Done()
	})

	conn.OnError(func(err error) {
		l.Error().Err(err).Msg("echo error")
		os.Exit(1)
	})

	wg.Wait()
}
