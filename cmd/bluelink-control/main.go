package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/spf13/pflag"

	"github.com/remotecar/bluelink-proxy/internal/log"
	"github.com/remotecar/bluelink-proxy/pkg/cli"
	"github.com/remotecar/bluelink-proxy/pkg/protocol"
)

const userAgent = "bluelink-control/1.0"

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usage = `
 * Vehicle commands require a username, password, and PIN. The password and PIN may be read
   from the environment or from a keyring populated with save-credentials.
 * Without a COMMAND, commands are read interactively from standard input.`

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] COMMAND [ARG...]\n", os.Args[0])
	fmt.Printf("\nRun %s help COMMAND for more information. Valid COMMANDs are listed below.", os.Args[0])
	fmt.Println("")
	fmt.Println(usage)
	fmt.Println("")

	fmt.Printf("Available OPTIONs:\n")
	pflag.PrintDefaults()
	fmt.Println("")
	fmt.Printf("Available COMMANDs:\n")
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		if len(command) > maxLength {
			maxLength = len(command)
		}
	}
	sort.Strings(labels)
	for _, command := range labels {
		info := commands[command]
		fmt.Printf("  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), info.help)
	}
}

func runCommand(c *Controller, args []string, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := execute(ctx, c, args); err != nil {
		if protocol.MayHaveSucceeded(err) {
			writeErr("Couldn't verify success: %s", err)
		} else if errors.Is(err, protocol.ErrMissingCredentials) {
			writeErr("%s. Set %s, %s, and %s or run save-credentials.", err, cli.EnvUsername, cli.EnvPassword, cli.EnvPIN)
		} else {
			writeErr("Failed to execute command: %s", err)
		}
		return 1
	}
	return 0
}

func runInteractiveShell(c *Controller, in io.Reader, timeout time.Duration) int {
	scanner := bufio.NewScanner(in)
	for fmt.Printf("> "); scanner.Scan(); fmt.Printf("> ") {
		args, err := shlex.Split(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return 0
		}
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		runCommand(c, args, timeout)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

func main() {
	status := 1
	defer func() {
		log.Sync()
		os.Exit(status)
	}()

	var (
		debug          bool
		envFile        string
		commandTimeout time.Duration
	)
	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		writeErr("Failed to load credential configuration: %s", err)
		return
	}
	pflag.Usage = Usage
	pflag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	pflag.StringVar(&envFile, "env-file", "", "Load environment variables from `file`. Defaults to "+cli.DefaultEnvFilename+" if present.")
	pflag.DurationVar(&commandTimeout, "command-timeout", 30*time.Second, "Set timeout for commands sent to the vehicle, including login.")

	config.RegisterCommandLineFlags(pflag.CommandLine)
	pflag.Parse()
	if err := cli.LoadEnvFile(envFile); err != nil {
		writeErr("%s", err)
		return
	}
	if !debug {
		if debugEnv, ok := os.LookupEnv("BLUELINK_VERBOSE"); ok {
			debug = debugEnv != "false" && debugEnv != "0"
		}
	}
	if debug {
		log.SetLevel(log.LevelDebug)
	}
	config.ReadFromEnvironment()

	args := pflag.Args()
	if len(args) > 0 && args[0] == "help" {
		if len(args) == 1 {
			Usage()
			status = 0
			return
		}
		info, ok := commands[args[1]]
		if !ok {
			writeErr("Unrecognized command: %s", args[1])
			return
		}
		info.Usage(os.Stdout, args[1])
		status = 0
		return
	}

	if err := config.LoadCredentials(); err != nil {
		writeErr("Error loading credentials: %s", err)
		return
	}

	controller := NewController(config, config.Factory(userAgent), commandTimeout, os.Stdout)
	defer controller.Close()

	if len(args) > 0 {
		status = runCommand(controller, args, commandTimeout)
	} else {
		status = runInteractiveShell(controller, os.Stdin, commandTimeout)
	}
}
