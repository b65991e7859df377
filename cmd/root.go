package cmd

import (
	"fmt"
	u "net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanq16/hlsdl/internal/config"
	"github.com/tanq16/hlsdl/internal/output"
	"github.com/tanq16/hlsdl/internal/utils"
)

var (
	cfgFile       string
	outputDir     string
	batchSize     int
	retries       int
	limitKBps     int64
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	headers       []string
	ffmpegBinary  string
	keepTemp      bool
	debug         bool
	cfg           config.Config
)

var HlsdlVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "hlsdl",
	Short:   "hlsdl downloads HLS streams into a single video file",
	Version: HlsdlVersion,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		loaded, err := config.Load(cfgFile)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		cfg = applyFlags(cmd, loaded)
		if err := cfg.Validate(); err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
	},
}

// applyFlags overlays explicitly set flags on the loaded configuration.
func applyFlags(cmd *cobra.Command, c config.Config) config.Config {
	flags := cmd.Flags()
	if flags.Changed("output") {
		c.Output = outputDir
	}
	if flags.Changed("batch-size") {
		c.BatchSize = batchSize
	}
	if flags.Changed("retries") {
		c.Retry.Attempts = retries
	}
	if flags.Changed("limit") {
		c.LimitKBps = limitKBps
	}
	if flags.Changed("timeout") {
		c.HTTP.Timeout = timeout
	}
	if flags.Changed("keep-alive-timeout") {
		c.HTTP.KATimeout = kaTimeout
	}
	if flags.Changed("user-agent") {
		c.HTTP.UserAgent = userAgent
	}
	if flags.Changed("ffmpeg") {
		c.FFmpeg = ffmpegBinary
	}
	if flags.Changed("keep-temp") {
		c.KeepTempOnError = keepTemp
	}
	if len(headers) > 0 {
		if c.HTTP.Headers == nil {
			c.HTTP.Headers = make(map[string]string)
		}
		for k, v := range utils.ParseHeaderArgs(headers) {
			c.HTTP.Headers[k] = v
		}
	}
	if flags.Changed("proxy") {
		c.HTTP.ProxyURL = proxyURL
	}
	if flags.Changed("proxy-username") {
		c.HTTP.ProxyUsername = proxyUsername
	}
	if flags.Changed("proxy-password") {
		c.HTTP.ProxyPassword = proxyPassword
	}
	// Check if proxy URL contains auth
	parsedProxy, err := u.Parse(c.HTTP.ProxyURL)
	if err == nil && parsedProxy.User != nil && c.HTTP.ProxyUsername == "" {
		c.HTTP.ProxyUsername = parsedProxy.User.Username()
		if password, set := parsedProxy.User.Password(); set {
			c.HTTP.ProxyPassword = password
		}
		parsedProxy.User = nil
		c.HTTP.ProxyURL = parsedProxy.String()
	}
	return c
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", ".", "Destination directory for merged videos")
	rootCmd.PersistentFlags().IntVarP(&batchSize, "batch-size", "b", 10, "Number of segments downloaded concurrently")
	rootCmd.PersistentFlags().IntVarP(&retries, "retries", "r", 3, "Attempts per segment and manifest request")
	rootCmd.PersistentFlags().Int64VarP(&limitKBps, "limit", "L", 0, "Bandwidth limit in KB/s across all downloads (0 = unlimited)")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Connection timeout (eg. 5s, 10m)")
	rootCmd.PersistentFlags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	rootCmd.PersistentFlags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks one per request)")
	rootCmd.PersistentFlags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.PersistentFlags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	rootCmd.PersistentFlags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	rootCmd.PersistentFlags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Referer: https://site.example'); can be specified multiple times")
	rootCmd.PersistentFlags().StringVar(&ffmpegBinary, "ffmpeg", "ffmpeg", "Path to the ffmpeg binary")
	rootCmd.PersistentFlags().BoolVar(&keepTemp, "keep-temp", true, "Keep downloaded segments when a download fails")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newCleanCmd())
}
