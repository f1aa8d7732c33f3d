package bugtool

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/peersync/cmd/util"
	"github.com/sidkik/peersync/pkg/config"
	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/sync"
	"github.com/sidkik/peersync/pkg/version"
)

var fs = afero.NewOsFs()

// New creates a new `bug-tool` command.
func New() *cobra.Command {
	var out, configPath string
	cmd := &cobra.Command{
		Use:   "bug-tool",
		Short: "Generate an archive for debugging peersync",
		Run:   func(_ *cobra.Command, _ []string) { main(configPath, out) },
	}
	cmd.Flags().StringVar(&out, "out", "", "path for archive")
	cmd.Flags().StringVar(&configPath, "config", "",
		"The config file to read. Defaults to "+config.ConfigPath+".")
	return cmd
}

func main(configPath, out string) {
	tmpdir, err := afero.TempDir(fs, "", "peersync-bug-tool")
	if err != nil {
		err = errors.NewFriendlyError("Failed to create out directory:\n%s", err)
		util.HandleFatalError(err)
	}

	// Wrap defer in a function to handle errors from fs.RemoveAll().
	defer func() {
		err := fs.RemoveAll(tmpdir)
		if err != nil {
			util.HandleFatalError(err)
		}
	}()

	setupInfo(tmpdir, configPath)

	if out == "" {
		out = fmt.Sprintf("peersync-bug-info-%s.tar.gz",
			time.Now().Format("Jan_02_2006-15-04-05"))
	}
	if err := tarDirectory(tmpdir, out); err != nil {
		err = errors.NewFriendlyError("Failed to tar:\n%s", err)
		util.HandleFatalError(err)
	}

	msg := `Created bug information archive at '%s'.
You may want to edit the archive if your file names are sensitive.
The archive contains:
 * The peersync configuration.
 * The version of peersync.
 * The name, size, and digest of every synced file.
`
	fmt.Printf(msg, out)
}

func setupInfo(root, configPath string) {
	cfg, err := config.Parse(configPath)
	if err != nil {
		log.WithError(err).Error("Failed to parse config")
		return
	}

	if err := setupConfig(root, cfg); err != nil {
		log.WithError(err).Warn("Failed to setup config")
	}

	if err := setupVersion(root); err != nil {
		log.WithError(err).Warn("Failed to setup version info")
	}

	if cfg.SyncRoot == "" {
		log.Info("No sync directory in config. Skipping file listing.")
		return
	}

	if err := setupFileList(filepath.Join(root, "files"), cfg.SyncRoot); err != nil {
		log.WithError(err).Warn("Failed to setup file listing")
	}
}

func setupConfig(root string, cfg config.Node) error {
	cfgBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, filepath.Join(root, "config.yaml"), cfgBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

func setupVersion(root string) error {
	versionBytes := []byte(fmt.Sprintf("version: %s\n", version.Version))
	if err := afero.WriteFile(fs, filepath.Join(root, "version"), versionBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// setupFileList writes a line with the size and digest of each file that
// would be synced from `syncRoot`. Comparing the listings from two peers
// shows which files have diverged.
func setupFileList(path, syncRoot string) error {
	rootFs := afero.NewBasePathFs(fs, syncRoot)
	names, err := sync.ListFiles(rootFs)
	if err != nil {
		return errors.WithContext(err, "list files")
	}

	out, err := fs.Create(path)
	if err != nil {
		return errors.WithContext(err, "open destination")
	}
	defer out.Close()

	for _, name := range names {
		info, err := rootFs.Stat(sync.Path(name))
		if err != nil {
			log.WithError(err).WithField("file", name).Warn("Failed to stat file")
			continue
		}

		digest, err := sync.HashFile(rootFs, sync.Path(name))
		if err != nil {
			log.WithError(err).WithField("file", name).Warn("Failed to hash file")
			continue
		}

		if _, err := fmt.Fprintf(out, "%s\t%d\t%s\n", name, info.Size(), digest); err != nil {
			return errors.WithContext(err, "write")
		}
	}
	return nil
}

func tarDirectory(src, outPath string) error {
	out, err := fs.Create(outPath)
	if err != nil {
		return errors.WithContext(err, "open destination")
	}
	defer out.Close()

	gzw := gzip.NewWriter(out)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	return afero.Walk(fs, src, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(fi, fi.Name())
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("make header %s", file))
		}

		relPath, err := filepath.Rel(src, file)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("get relative path of %s to %s", file, src))
		}

		header.Name = filepath.Join("peersync-bug-info", relPath)
		if err := tw.WriteHeader(header); err != nil {
			return errors.WithContext(err, fmt.Sprintf("write %s header", file))
		}

		// Only write contents if it's a file (i.e. not a directory).
		if !fi.Mode().IsRegular() {
			return nil
		}

		f, err := fs.Open(file)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("open %s", file))
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return errors.WithContext(err, fmt.Sprintf("copy %s", file))
		}
		return nil
	})
}
