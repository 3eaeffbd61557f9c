package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface is the command surface the REPL dispatches to. The real App
// satisfies it; tests provide a lightweight stub.
type execIface interface {
	Upload(ctx context.Context, args []string) error
	Download(ctx context.Context, args []string) error
	List(ctx context.Context, args []string) error
	ListRecursive(ctx context.Context, args []string) error
	Mkdir(ctx context.Context, args []string) error
	Remove(ctx context.Context, args []string) error
	Rmdir(ctx context.Context, args []string) error
	Migrate(ctx context.Context, args []string) error
	Stats(ctx context.Context, args []string) error
	Sync(ctx context.Context, args []string) error
}

const helpText = `Available commands:
  upload <local path> [folder]   upload a file (folder defaults to /)
  download <id> <dest>           download a file
  ls [folder]                    list a folder
  lsr [folder]                   list a folder recursively
  mkdir <name> [parent]          create a folder
  rm <id>                        delete a file
  rmdir <path>                   delete a folder and everything in it
  migrate                        move flat-stored files into folder containers
  stats [folder]                 storage or folder statistics
  sync                           import remote files missing from the index
  exit | quit                    leave the program`

// runREPL reads commands from reader and dispatches them to a until EOF,
// "exit" or "quit". Command errors are printed and the loop continues.
// Commands that prompt share the same reader.
func runREPL(ctx context.Context, a execIface, statusFn func() string, reader *bufio.Reader) {
	for {
		printlnFn(fmt.Sprintf("mv %s> ", statusFn()))
		line, readErr := reader.ReadString('\n')
		if readErr != nil && line == "" {
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			if readErr != nil {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}

		cmd, args := parts[0], parts[1:]

		var err error
		switch cmd {
		case "help":
			printlnFn(helpText)
		case "upload", "put":
			err = a.Upload(ctx, args)
		case "download", "get":
			err = a.Download(ctx, args)
		case "ls", "l", "list":
			err = a.List(ctx, args)
		case "lsr":
			err = a.ListRecursive(ctx, args)
		case "mkdir":
			err = a.Mkdir(ctx, args)
		case "rm", "delete":
			err = a.Remove(ctx, args)
		case "rmdir":
			err = a.Rmdir(ctx, args)
		case "migrate":
			err = a.Migrate(ctx, args)
		case "stats":
			err = a.Stats(ctx, args)
		case "sync":
			err = a.Sync(ctx, args)
		case "exit", "quit":
			printlnFn("Bye!")
			return
		default:
			printlnFn("Unknown command:", cmd)
		}

		if err != nil {
			printlnFn("Error:", err)
		}
		if readErr != nil {
			return
		}
	}
}
