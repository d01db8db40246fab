package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gosuri/uitable"

	"github.com/remotecar/bluelink-proxy/internal/dispatcher"
	"github.com/remotecar/bluelink-proxy/pkg/account"
	"github.com/remotecar/bluelink-proxy/pkg/cli"
	"github.com/remotecar/bluelink-proxy/pkg/protocol"
	"github.com/remotecar/bluelink-proxy/pkg/session"
	"github.com/remotecar/bluelink-proxy/pkg/vehicle"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrUnknownCommand  = errors.New("unrecognized command")
	ErrMissingCommand  = errors.New("missing COMMAND")
)

type Argument struct {
	name string
	help string
}

type Handler func(ctx context.Context, c *Controller, args map[string]string) error

type Command struct {
	help                string
	requiresCredentials bool // True if the command logs in to the account.
	args                []Argument
	optional            []Argument
	handler             Handler
}

// Controller holds the state shared by commands within one invocation or interactive shell. The
// session is created on first use and dropped when the stored credentials change.
type Controller struct {
	config  *cli.Config
	factory account.Factory
	timeout time.Duration
	out     io.Writer
	prompt  func(string) (string, error)

	manager    *session.Manager
	dispatcher *dispatcher.Dispatcher
}

func NewController(config *cli.Config, factory account.Factory, timeout time.Duration, out io.Writer) *Controller {
	return &Controller{
		config:  config,
		factory: factory,
		timeout: timeout,
		out:     out,
		prompt:  cli.PromptSecret,
	}
}

// connect returns a dispatcher bound to a Ready session, creating the session if needed.
func (c *Controller) connect(ctx context.Context) (*dispatcher.Dispatcher, error) {
	if c.manager == nil {
		c.manager = session.New(c.factory, c.config.Credentials(), session.Config{
			TargetVIN:   c.config.VIN,
			Timeout:     c.timeout,
			ManualRetry: true,
		})
		c.dispatcher = dispatcher.New(c.manager, c.timeout, false)
	}
	if err := c.manager.Initialize(ctx); err != nil {
		return nil, err
	}
	return c.dispatcher, nil
}

// Close releases the session, if any.
func (c *Controller) Close() {
	if c.manager != nil {
		c.manager.Close()
		c.dispatcher.Close()
		c.manager = nil
		c.dispatcher = nil
	}
}

func (c *Controller) printJSON(result json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		_, err = fmt.Fprintln(c.out, string(result))
		return err
	}
	_, err := fmt.Fprintln(c.out, buf.String())
	return err
}

func (c *Controller) runAction(ctx context.Context, action vehicle.Action, options vehicle.StartOptions) error {
	d, err := c.connect(ctx)
	if err != nil {
		return err
	}
	result, err := d.Run(ctx, action, func(ctx context.Context, car vehicle.Vehicle) (json.RawMessage, error) {
		return vehicle.Do(ctx, car, action, options)
	})
	if err != nil {
		return err
	}
	return c.printJSON(result)
}

// GetTemperature parses a cabin temperature such as "72" or "21.5".
func GetTemperature(value string) (float64, error) {
	degrees, err := strconv.ParseFloat(value, 64)
	if err != nil || degrees < 0 {
		return 0, fmt.Errorf("%w: invalid temperature '%s'", ErrCommandLineArgs, value)
	}
	return degrees, nil
}

// GetMinutes parses a whole, non-negative number of minutes.
func GetMinutes(value string) (int, error) {
	minutes, err := strconv.Atoi(value)
	if err != nil || minutes < 0 {
		return 0, fmt.Errorf("%w: invalid duration '%s'", ErrCommandLineArgs, value)
	}
	return minutes, nil
}

// GetSwitch parses on/off style flags.
func GetSwitch(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: expected on or off, got '%s'", ErrCommandLineArgs, value)
}

func startOptions(args map[string]string) (vehicle.StartOptions, error) {
	var options vehicle.StartOptions
	var err error
	if value, ok := args["TEMP"]; ok {
		if options.Temperature, err = GetTemperature(value); err != nil {
			return options, err
		}
	}
	if value, ok := args["MINUTES"]; ok {
		if options.Duration, err = GetMinutes(value); err != nil {
			return options, err
		}
	}
	if value, ok := args["DEFROST"]; ok {
		if options.Defrost, err = GetSwitch(value); err != nil {
			return options, err
		}
	}
	if value, ok := args["HEATING"]; ok {
		if options.Heating, err = GetSwitch(value); err != nil {
			return options, err
		}
	}
	return options, nil
}

func actionCommand(action vehicle.Action, help string) *Command {
	return &Command{
		help:                help,
		requiresCredentials: true,
		handler: func(ctx context.Context, c *Controller, args map[string]string) error {
			return c.runAction(ctx, action, vehicle.StartOptions{})
		},
	}
}

func execute(ctx context.Context, c *Controller, args []string) error {
	if len(args) == 0 {
		return ErrMissingCommand
	}

	info, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, args[0])
	}

	if info.requiresCredentials {
		if missing := c.config.Credentials().Missing(); len(missing) > 0 {
			return fmt.Errorf("%w: %s", protocol.ErrMissingCredentials, strings.Join(missing, ", "))
		}
	}

	var err error
	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).", len(args)-1, len(info.args), len(info.optional))
		err = ErrCommandLineArgs
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}
		err = info.handler(ctx, c, keywords)
	}

	// Print command-specific help
	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(c.out, args[0])
	}
	return err
}

func (c *Command) Usage(out io.Writer, name string) {
	fmt.Fprintf(out, "Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Fprintf(out, " %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Fprintf(out, " [")
	}
	for _, arg := range c.optional {
		fmt.Fprintf(out, " %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Fprintf(out, " ]")
	}
	fmt.Fprintf(out, "\n%s\n", c.help)
	maxLength++
	for _, arg := range c.args {
		fmt.Fprintf(out, "    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
	for _, arg := range c.optional {
		fmt.Fprintf(out, "    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

var commands = map[string]*Command{
	"lock":   actionCommand(vehicle.ActionLock, "Lock vehicle"),
	"unlock": actionCommand(vehicle.ActionUnlock, "Unlock vehicle"),
	"stop":   actionCommand(vehicle.ActionStop, "Stop remote climate"),
	"status": actionCommand(vehicle.ActionStatus, "Fetch vehicle status"),
	"start": &Command{
		help:                "Remote start vehicle with climate control",
		requiresCredentials: true,
		optional: []Argument{
			Argument{name: "TEMP", help: "Cabin target temperature in the account's unit"},
			Argument{name: "MINUTES", help: "How long to run"},
			Argument{name: "DEFROST", help: "on or off"},
			Argument{name: "HEATING", help: "Heated seats and steering wheel, on or off"},
		},
		handler: func(ctx context.Context, c *Controller, args map[string]string) error {
			options, err := startOptions(args)
			if err != nil {
				return err
			}
			return c.runAction(ctx, vehicle.ActionStart, options)
		},
	},
	"vehicles": &Command{
		help:                "List vehicles enrolled on the account",
		requiresCredentials: true,
		handler: func(ctx context.Context, c *Controller, args map[string]string) error {
			acct, err := c.factory(c.config.Credentials())
			if err != nil {
				return err
			}
			if err := acct.Login(ctx); err != nil {
				return err
			}
			cars, err := acct.Vehicles(ctx)
			if err != nil {
				return err
			}
			table := uitable.New()
			table.MaxColWidth = 40
			table.AddRow("VIN", "NAME", "SELECTED")
			selected, _ := session.SelectVehicle(cars, c.config.VIN)
			for _, car := range cars {
				mark := ""
				if car == selected {
					mark = "*"
				}
				table.AddRow(car.VIN(), car.Name(), mark)
			}
			_, err = fmt.Fprintln(c.out, table)
			return err
		},
	},
	"session": &Command{
		help:                "Log in and show the session state",
		requiresCredentials: true,
		handler: func(ctx context.Context, c *Controller, args map[string]string) error {
			_, err := c.connect(ctx)
			snapshot := c.manager.Snapshot()
			table := uitable.New()
			table.AddRow("STATE:", snapshot.State)
			table.AddRow("VIN:", snapshot.VIN)
			table.AddRow("NAME:", snapshot.VehicleName)
			table.AddRow("ATTEMPTS:", snapshot.Attempts)
			if snapshot.LastError != "" {
				table.AddRow("LAST ERROR:", snapshot.LastError)
			}
			fmt.Fprintln(c.out, table)
			return err
		},
	},
	"save-credentials": &Command{
		help: "Prompt for the account password and PIN and store them in the keyring",
		handler: func(ctx context.Context, c *Controller, args map[string]string) error {
			password, err := c.prompt("Password")
			if err != nil {
				return err
			}
			pin, err := c.prompt("PIN")
			if err != nil {
				return err
			}
			if err := c.config.SaveCredentials(password, pin); err != nil {
				return err
			}
			c.Close()
			fmt.Fprintf(c.out, "Saved credentials for %s\n", c.config.Username)
			return nil
		},
	},
	"delete-credentials": &Command{
		help: "Remove the account password and PIN from the keyring",
		handler: func(ctx context.Context, c *Controller, args map[string]string) error {
			if err := c.config.DeleteCredentials(); err != nil {
				return err
			}
			c.config.SetSecrets("", "")
			c.Close()
			fmt.Fprintf(c.out, "Deleted credentials for %s\n", c.config.Username)
			return nil
		},
	},
}
