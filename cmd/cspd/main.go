package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/danmuck/cspnet/internal/logging"
	"github.com/danmuck/cspnet/internal/protocol"
	"github.com/danmuck/cspnet/internal/service"
)

var (
	runtimePath string
	nodePath    string
	logLevel    string
	rt          runtimeConfig
)

var rootCmd = &cobra.Command{
	Use:           "cspd",
	Short:         "Run and query nodes of a small satellite packet network",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		logging.ConfigureRuntime()

		rt = defaultRuntimeConfig()
		if runtimePath != "" {
			loaded, err := loadRuntimeConfig(runtimePath)
			if err != nil {
				return err
			}
			rt = loaded
		}
		if nodePath != "" {
			rt.NodeConfig = nodePath
		}
		if logLevel != "" {
			rt.LogLevel = logLevel
		}
		if rt.LogLevel != "" {
			level, ok := logging.ParseLevel(rt.LogLevel)
			if !ok {
				return fmt.Errorf("unknown log level %q", rt.LogLevel)
			}
			zerolog.SetGlobalLevel(level)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the node, its links, services, admin server and trace recorder",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := buildStack(rt, stackOptions{services: true, admin: true, trace: true, reboot: stop})
		if err != nil {
			return err
		}
		defer s.close()
		if err := s.start(ctx); err != nil {
			return err
		}

		errCh := make(chan error, 1)
		if s.admin != nil {
			go func() { errCh <- s.admin.Serve(ctx) }()
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("cspd.shutdown")
			return nil
		case err := <-errCh:
			return err
		}
	},
}

// query starts a client-only node, waits for links to come up and runs fn.
func query(cmd *cobra.Command, fn func(s *stack, dst uint8) error) error {
	dst, err := parseNode(cmd.Flags().Arg(0))
	if err != nil {
		return err
	}
	s, err := buildStack(rt, stackOptions{})
	if err != nil {
		return err
	}
	defer s.close()
	if err := s.start(cmd.Context()); err != nil {
		return err
	}
	wait, _ := cmd.Flags().GetDuration("wait")
	waitLinks(s, wait)
	return fn(s, dst)
}

func waitLinks(s *stack, wait time.Duration) {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		up := true
		for _, l := range s.links {
			if !l.Stats().Connected {
				up = false
			}
		}
		if up {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func parseNode(raw string) (uint8, error) {
	v, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("node address %q: %w", raw, err)
	}
	if err := protocol.ValidateNode(uint8(v)); err != nil {
		return 0, err
	}
	return uint8(v), nil
}

var pingCmd = &cobra.Command{
	Use:   "ping <node>",
	Short: "Ping a node's echo service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, _ := cmd.Flags().GetInt("size")
		count, _ := cmd.Flags().GetInt("count")
		return query(cmd, func(s *stack, dst uint8) error {
			var failed int
			for i := 0; i < count; i++ {
				rtt, err := service.Ping(s.node, dst, rt.QueryTimeout, size)
				if err != nil {
					failed++
					fmt.Printf("ping node %d seq=%d: %v\n", dst, i, err)
					continue
				}
				fmt.Printf("ping node %d seq=%d size=%d rtt=%s\n", dst, i, size, rtt)
			}
			if failed == count {
				return fmt.Errorf("node %d unreachable", dst)
			}
			return nil
		})
	},
}

var memfreeCmd = &cobra.Command{
	Use:   "memfree <node>",
	Short: "Query a node's free memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return query(cmd, func(s *stack, dst uint8) error {
			free, err := service.MemFree(s.node, dst, rt.QueryTimeout)
			if err != nil {
				return err
			}
			fmt.Printf("node %d free memory: %d bytes\n", dst, free)
			return nil
		})
	},
}

var buffreeCmd = &cobra.Command{
	Use:   "buffree <node>",
	Short: "Query a node's free packet buffers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return query(cmd, func(s *stack, dst uint8) error {
			free, err := service.BufFree(s.node, dst, rt.QueryTimeout)
			if err != nil {
				return err
			}
			fmt.Printf("node %d free buffers: %d\n", dst, free)
			return nil
		})
	},
}

var psCmd = &cobra.Command{
	Use:   "ps <node>",
	Short: "Query a node's process status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return query(cmd, func(s *stack, dst uint8) error {
			ps, err := service.ProcessStatus(s.node, dst, rt.QueryTimeout)
			if err != nil {
				return err
			}
			fmt.Printf("node %d host=%s pid=%d goroutines=%d threads=%d rss=%d uptime=%s\n",
				dst, ps.Hostname, ps.PID, ps.Goroutines, ps.Threads, ps.RSS, ps.Uptime)
			return nil
		})
	},
}

var rebootCmd = &cobra.Command{
	Use:   "reboot <node>",
	Short: "Ask a node to reboot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return query(cmd, func(s *stack, dst uint8) error {
			if err := service.Reboot(s.node, dst); err != nil {
				return err
			}
			fmt.Printf("reboot sent to node %d\n", dst)
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&runtimePath, "config", "", "cspd runtime config (TOML)")
	rootCmd.PersistentFlags().StringVar(&nodePath, "node", "", "node topology config (TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override")

	for _, c := range []*cobra.Command{pingCmd, memfreeCmd, buffreeCmd, psCmd, rebootCmd} {
		c.Flags().Duration("wait", 2*time.Second, "how long to wait for links before querying")
	}
	pingCmd.Flags().Int("size", 10, "ping payload size in bytes")
	pingCmd.Flags().Int("count", 1, "number of pings")

	rootCmd.AddCommand(runCmd, pingCmd, memfreeCmd, buffreeCmd, psCmd, rebootCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "cspd: %v\n", err)
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
