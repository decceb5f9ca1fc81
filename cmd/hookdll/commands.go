package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"go.uber.org/multierr"

	"hooktiller/pkg/hook"
	"hooktiller/pkg/resolve"
)

var (
	colorInstalled = color.New(color.Bold, color.FgHiGreen).SprintFunc()
	colorIdle      = color.New(color.Faint).SprintFunc()
	colorFailed    = color.New(color.FgRed).SprintFunc()
	colorOK        = color.New(color.FgGreen).SprintFunc()
)

const helpText = `commands:
  hooks                       list hooks and their state
  install <id>...             install hooks
  uninstall <id>...           restore hooked functions
  install-all                 install every hook
  uninstall-all               restore every hook
  resolve 0x<address>         check a literal address
  resolve <module|-> <target> resolve an export or pattern: signature
  help                        this text
`

type commander struct {
	mod      *module
	resolver hook.Resolver
	out      io.Writer
}

// serve reads commands until in is exhausted.
func (c *commander) serve(in io.Reader) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		c.run(sc.Text())
	}
	return sc.Err()
}

func (c *commander) run(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	args := fields[1:]

	switch strings.ToLower(fields[0]) {
	case "help", "?":
		fmt.Fprint(c.out, helpText)
	case "hooks", "list":
		c.hooks()
	case "install":
		c.each("install", args, c.mod.reg.Install)
	case "uninstall":
		c.each("uninstall", args, c.mod.reg.Uninstall)
	case "install-all":
		c.report("install-all", c.mod.reg.InstallAll())
	case "uninstall-all":
		c.report("uninstall-all", c.mod.reg.UninstallAll())
	case "resolve":
		c.resolve(args)
	default:
		fmt.Fprintf(c.out, "unknown command %q, try help\n", fields[0])
	}
}

func (c *commander) hooks() {
	infos := c.mod.reg.List()
	if len(infos) == 0 {
		fmt.Fprintln(c.out, "no hooks registered")
		return
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTARGET\tORIGINAL\tCALLS\tLOCATOR\tSTATE")
	for _, info := range infos {
		target, orig := "-", "-"
		if info.Resolved != 0 {
			target = info.Resolved.String()
		}
		if info.Original != 0 {
			orig = info.Original.String()
		}
		state := colorIdle(info.State)
		if info.State == hook.Installed {
			state = colorInstalled(info.State)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			info.ID, target, orig, c.mod.callCount(info.ID), info.Locator, state)
	}
	tw.Flush()
}

func (c *commander) each(verb string, ids []string, op func(string) error) {
	if len(ids) == 0 {
		fmt.Fprintf(c.out, "usage: %s <id>...\n", verb)
		return
	}
	for _, id := range ids {
		c.report(verb+" "+id, op(id))
	}
}

func (c *commander) report(what string, err error) {
	if err == nil {
		fmt.Fprintf(c.out, "%s: %s\n", what, colorOK("ok"))
		return
	}
	for _, e := range multierr.Errors(err) {
		fmt.Fprintf(c.out, "%s: %s %v\n", what, colorFailed("failed"), e)
	}
}

func (c *commander) resolve(args []string) {
	var loc resolve.Locator
	switch {
	case len(args) == 1 && strings.HasPrefix(strings.ToLower(args[0]), "0x"):
		loc = resolve.Locator{Target: args[0]}
	case len(args) >= 2:
		module := args[0]
		if module == "-" {
			module = ""
		}
		loc = resolve.Locator{Module: module, Target: strings.Join(args[1:], " ")}
	default:
		fmt.Fprintln(c.out, "usage: resolve 0x<address> | resolve <module|-> <export|pattern:..>")
		return
	}

	addr, err := c.resolver.Resolve(loc)
	if err != nil {
		fmt.Fprintf(c.out, "%s: %s %v\n", loc, colorFailed("failed"), err)
		return
	}
	fmt.Fprintf(c.out, "%s -> %s\n", loc, addr)
}
