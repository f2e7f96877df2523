package record

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/duorec/duorec/internal/audiocore/session"
	"github.com/duorec/duorec/internal/logger"
	"github.com/duorec/duorec/internal/recorder"
)

// sparks renders a normalized level as one of nine bar heights
var sparks = []rune(" ▁▂▃▄▅▆▇█")

// run drives one session from terminal input until it is saved, discarded
// or fails. Cancelling ctx behaves like Ctrl-C.
func run(ctx context.Context, rec *recorder.Recorder, in io.Reader, out io.Writer, maxDuration time.Duration) error {
	log := logger.Global().Module("record")

	if _, _, err := rec.Sweep(ctx, recorder.DefaultSweepAge); err != nil {
		log.Warn("startup sweep failed", logger.Error(err))
	}

	metricsCtx, stopMetrics := context.WithCancel(context.WithoutCancel(ctx))
	endpoint, err := rec.StartMetricsEndpoint(metricsCtx)
	if err != nil {
		stopMetrics()
		return err
	}
	defer func() {
		stopMetrics()
		if endpoint != nil {
			endpoint.Wait()
		}
	}()

	sess, err := rec.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "recording... p=pause r=resume s=stop c=cancel")

	done := make(chan struct{})
	defer close(done)

	c := &controller{rec: rec, sess: sess, out: out, log: log}
	return c.loop(ctx, readCommands(in, done), maxDuration)
}

type controller struct {
	rec  *recorder.Recorder
	sess *session.Session
	out  io.Writer
	log  logger.Logger
}

func (c *controller) loop(ctx context.Context, commands <-chan string, maxDuration time.Duration) error {
	var timeout <-chan time.Time
	if maxDuration > 0 {
		timer := time.NewTimer(maxDuration)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			canStop := c.sess.CanStop() || c.completed()
			c.log.Info("recording interrupted", logger.Bool("saving", canStop))
			if canStop {
				return c.finish(context.WithoutCancel(ctx))
			}
			c.sess.Cancel()
			fmt.Fprintln(c.out, "recording discarded")
			return nil

		case <-timeout:
			return c.finish(ctx)

		case snap := <-c.sess.Updates():
			fmt.Fprintf(c.out, "\r%s", formatStatus(snap))
			switch snap.State {
			case session.StateFailed:
				fmt.Fprintln(c.out)
				return snap.Err
			case session.StateCompleted:
				// the microphone went away and the session kept what it had
				c.log.Warn("recording ended by the device, saving captured audio")
				return c.finish(ctx)
			}

		case line, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			done, err := c.handle(ctx, line)
			if done || err != nil {
				return err
			}
		}
	}
}

// handle applies one typed command and reports whether the session ended
func (c *controller) handle(ctx context.Context, line string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "p", "pause":
		c.sess.Pause()
	case "r", "resume":
		c.sess.Resume()
	case "s", "stop":
		if !c.sess.CanStop() && !c.completed() {
			fmt.Fprintln(c.out, "\nrecording is too short to save yet")
			return false, nil
		}
		return true, c.finish(ctx)
	case "c", "cancel":
		c.sess.Cancel()
		fmt.Fprintln(c.out, "\nrecording discarded")
		return true, nil
	case "":
	default:
		fmt.Fprintf(c.out, "\nunknown command %q\n", line)
	}
	return false, nil
}

// completed reports a session that finalized itself, e.g. after losing the microphone
func (c *controller) completed() bool {
	return c.sess.Snapshot().State == session.StateCompleted
}

func (c *controller) finish(ctx context.Context) error {
	fmt.Fprintln(c.out, "\nsaving...")
	saved, err := c.rec.Finish(ctx, c.sess)
	if err != nil {
		return err
	}

	source := "microphone only"
	if saved.IncludesSystemAudio {
		source = "microphone and system audio"
	}
	fmt.Fprintf(c.out, "saved %s (%s, %s)\n", saved.Path, saved.Duration().Round(time.Second/10), source)
	return nil
}

// readCommands forwards input lines until in is exhausted or done is closed
func readCommands(in io.Reader, done <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()
	return lines
}

// formatStatus renders a one-line status with a level sparkline
func formatStatus(snap session.Snapshot) string {
	var bars strings.Builder
	for _, level := range snap.Levels {
		idx := int(level * float64(len(sparks)-1))
		idx = min(max(idx, 0), len(sparks)-1)
		bars.WriteRune(sparks[idx])
	}

	elapsed := snap.Elapsed.Truncate(time.Second)
	return fmt.Sprintf("%-9s %02d:%02d [%s] system audio: %s",
		snap.State, int(elapsed.Minutes()), int(elapsed.Seconds())%60, bars.String(), snap.SystemAudio)
}
