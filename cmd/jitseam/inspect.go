package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/tinyrange/jitseam/internal/aot"
	"github.com/tinyrange/jitseam/internal/metadata"
)

const defaultWidth = 100

// fixedColumns is the width taken by every column but the method name.
const fixedColumns = 72

func nameWidth(width int) int {
	if width-fixedColumns < 16 {
		return 16
	}
	return width - fixedColumns
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `jitseam inspect - print an image header and method table

USAGE:
  jitseam inspect <image.aot> [assembly.yaml]

Method names are shown when the assembly is given.
`)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fs.Usage()
		os.Exit(2)
	}

	img, err := aot.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer img.Close()

	var a *metadata.Assembly
	if fs.NArg() == 2 {
		if a, err = metadata.LoadFile(fs.Arg(1)); err != nil {
			return err
		}
	}

	width := defaultWidth
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
			width = w
		}
	}
	return printImage(os.Stdout, img, a, width)
}

func printImage(out io.Writer, img *aot.Image, a *metadata.Assembly, width int) error {
	h := img.Header()
	fmt.Fprintf(out, "image:      %s\n", img.Path())
	fmt.Fprintf(out, "format:     %s\n", h.Version)
	fmt.Fprintf(out, "arch:       %s\n", h.Arch)
	fmt.Fprintf(out, "assembly:   %s %s (mvid %x)\n", h.AssemblyName, h.AssemblyVersion, h.MVID)
	fmt.Fprintf(out, "flags:      %s\n", h.Flags)
	if h.Shared() {
		fmt.Fprintf(out, "owner:      shared\n")
	} else {
		fmt.Fprintf(out, "owner:      domain %d\n", h.Owner)
	}
	fmt.Fprintf(out, "executable: %t\n", img.Executable())
	fmt.Fprintf(out, "methods:    %d\n\n", img.MethodCount())

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tTOKEN\tSIG\tBODY\tOFFSET\tSIZE\tMETHOD")
	for i := 0; i < img.MethodCount(); i++ {
		e := img.EntryAt(i)
		name := "-"
		if a != nil {
			if m, err := a.MethodByToken(e.Token); err == nil {
				name = m.FullName()
			}
		}
		fmt.Fprintf(tw, "%016x\t%08x\t%08x\t%08x\t%#x\t%d\t%s\n",
			e.Key, e.Token, e.SigHash, e.BodyHash, e.CodeOff, e.CodeSize, ansi.Truncate(name, nameWidth(width), "…"))
	}
	return tw.Flush()
}
