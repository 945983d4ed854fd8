// File: cmd/logs.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newLogsCmd(v *viper.Viper) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the crawl process log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(v)
			if err != nil {
				return err
			}
			path := cfg.Output.CrawlLogPath()
			out := cmd.OutOrStdout()

			if follow {
				return followLog(cmd.Context(), out, path)
			}

			f, err := os.Open(path)
			if err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("no crawl log at %s; has a crawl been started?", path)
				}
				return err
			}
			defer f.Close()
			_, err = io.Copy(out, f)
			return err
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new lines as they are written")
	return cmd
}

// followLog streams appended lines until the context ends. The log may not
// exist yet and is rotated by the backend, so the tail reopens on recreate
// and starts at the current end.
func followLog(ctx context.Context, out io.Writer, path string) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("tailing %s: %w", path, err)
	}
	defer t.Cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = t.Stop()
			return ctx.Err()
		case line, ok := <-t.Lines:
			if !ok {
				return t.Wait()
			}
			if line.Err != nil {
				return line.Err
			}
			fmt.Fprintln(out, line.Text)
		}
	}
}
