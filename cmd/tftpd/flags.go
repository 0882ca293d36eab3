package main

import "github.com/spf13/cobra"

// Flag values bound by bindFlags, translated one-to-one from spec.md §6's
// CLI table. Grounded on dsmmcken-dh-cli's internal/cmd/root.go: package
// level vars bound with pflag, validated in PersistentPreRunE.
var (
	flagPort           int
	flagListen         string
	flagSystemd        bool
	flagMaxConnections int
	flagTimeoutSecs    float64
	flagFallback       string
	flagLogFormat      string
	flagCacheDir       string
	flagNoRFC2347      bool
	flagWrqDevnull     bool
	flagDisableProxy   bool
	flagDir            string
)

func bindFlags(cmd *cobra.Command) {
	flags := cmd.Flags()

	flags.IntVarP(&flagPort, "port", "p", 69, "port to listen on")
	flags.StringVarP(&flagListen, "listen", "l", "::", "ip address to listen on")
	flags.BoolVarP(&flagSystemd, "systemd", "s", false, "use systemd fd propagation")
	flags.IntVarP(&flagMaxConnections, "max-connections", "m", 64, "maximum number of concurrent sessions")
	flags.Float64VarP(&flagTimeoutSecs, "timeout", "t", 3.0, "timeout in seconds during tftp transfers")
	flags.StringVarP(&flagFallback, "fallback", "f", "", "fallback uri for files missing on disk")
	flags.StringVarP(&flagLogFormat, "log-format", "L", "default", "log format: default|compact|full|json")
	flags.StringVarP(&flagCacheDir, "cache-dir", "C", "", "directory used for cache files (default: OS temp dir)")
	flags.BoolVar(&flagNoRFC2347, "no-rfc2347", false, "disable RFC 2347 (OACK) support; only useful for testing some clients")
	flags.BoolVar(&flagWrqDevnull, "wrq-devnull", false, "accept WRQ but throw it away; only useful for testing some clients")
	flags.BoolVar(&flagDisableProxy, "disable-proxy", false, "disable HTTP(S) proxy/cache support entirely")
	flags.StringVar(&flagDir, "dir", ".", "root directory served to RRQ clients")
}
