package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dmitrijs2005/msgvault/internal/client/models"
	"github.com/dmitrijs2005/msgvault/internal/common"
)

// errUsage marks a command invoked with the wrong arguments.
var errUsage = errors.New("usage")

func usage(format string) error {
	return fmt.Errorf("%w: %s", errUsage, format)
}

func argOr(args []string, i int, def string) string {
	if i < len(args) {
		return args[i]
	}
	return def
}

func (a *App) Upload(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usage("upload <local path> [folder]")
	}

	e, err := a.svc.Upload(ctx, args[0], argOr(args, 1, models.RootPath))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Uploaded %s (%s) as %s\n", e.Path(), humanize.IBytes(uint64(e.Size)), e.ID)
	return nil
}

func (a *App) Download(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return usage("download <id> <dest>")
	}

	if err := a.svc.Download(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Saved to %s\n", args[1])
	return nil
}

func (a *App) printEntries(entries []models.FileEntry, recursive bool) {
	if len(entries) == 0 {
		fmt.Fprintln(a.out, "(empty)")
		return
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		name := e.Name
		if recursive {
			name = e.Path()
		}
		if e.IsFolder {
			fmt.Fprintf(w, "%s/\t-\t%s\t%s\n", name, "folder", e.ID)
			continue
		}
		created := "-"
		if e.CreatedAt > 0 {
			created = time.Unix(e.CreatedAt, 0).Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, humanize.IBytes(uint64(e.Size)), created, e.ID)
	}
	_ = w.Flush()
}

func (a *App) List(ctx context.Context, args []string) error {
	if len(args) > 1 {
		return usage("ls [folder]")
	}
	entries, err := a.svc.List(ctx, argOr(args, 0, models.RootPath))
	if err != nil {
		return err
	}
	a.printEntries(entries, false)
	return nil
}

func (a *App) ListRecursive(ctx context.Context, args []string) error {
	if len(args) > 1 {
		return usage("lsr [folder]")
	}
	entries, err := a.svc.ListRecursive(ctx, argOr(args, 0, models.RootPath))
	if err != nil {
		return err
	}
	a.printEntries(entries, true)
	return nil
}

func (a *App) Mkdir(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usage("mkdir <name> [parent]")
	}
	path, err := a.svc.CreateFolder(ctx, args[0], argOr(args, 1, models.RootPath))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Created %s\n", path)
	return nil
}

func (a *App) Remove(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("rm <id>")
	}
	ok, err := a.svc.DeleteFile(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrEntryNotFound, args[0])
	}
	fmt.Fprintf(a.out, "Deleted %s\n", args[0])
	return nil
}

// Rmdir asks for confirmation when the folder is not empty.
func (a *App) Rmdir(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("rmdir <path>")
	}
	path := args[0]

	st, err := a.svc.FolderStats(ctx, path)
	if err != nil {
		return err
	}
	if st.Files > 0 || st.Subfolders > 0 {
		prompt := fmt.Sprintf("%s holds %d files and %d folders. Delete?", st.Path, st.Files, st.Subfolders)
		ok, err := Confirm(a.reader, prompt, a.out)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(a.out, "Cancelled")
			return nil
		}
	}

	if err := a.svc.DeleteFolder(ctx, path); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Deleted %s\n", st.Path)
	return nil
}

func (a *App) Migrate(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return usage("migrate")
	}
	r, err := a.svc.Migrate(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Migration: %d total, %d migrated, %d failed, %d skipped\n", r.Total, r.Migrated, r.Failed, r.Skipped)
	return nil
}

func (a *App) Stats(ctx context.Context, args []string) error {
	if len(args) > 1 {
		return usage("stats [folder]")
	}

	if len(args) == 1 {
		st, err := a.svc.FolderStats(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s: %d files, %s, %d subfolders\n", st.Path, st.Files, humanize.IBytes(uint64(st.Size)), st.Subfolders)
		return nil
	}

	st, err := a.svc.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Files: %d\nSize: %s\nFolders: %d\n", st.TotalFiles, humanize.IBytes(uint64(st.TotalSize)), st.FolderCount)
	return nil
}

func (a *App) Sync(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return usage("sync")
	}
	n, err := a.svc.Sync(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Added %d entries\n", n)
	return nil
}
