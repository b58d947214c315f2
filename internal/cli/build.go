package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sdforge/sdforge/internal/assemble"
	"github.com/sdforge/sdforge/internal/config"
	"github.com/sdforge/sdforge/internal/rootfs"
	"github.com/sdforge/sdforge/internal/run"
	"github.com/sdforge/sdforge/pkg/fs"
	"github.com/sdforge/sdforge/pkg/lock"
	"github.com/sdforge/sdforge/pkg/oci"
)

// BuildCommand assembles an image from flags, a config file, or both.
func BuildCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Assemble a bootable disk image",
		RunE:  runBuild,
	}

	flags := cmd.Flags()
	flags.String("config", "", "JSON image spec file")
	flags.StringP("output", "o", config.DefaultOutputPath, "output image path")
	flags.String("root-image", "", "prebuilt root filesystem image (raw, gzip or zstd)")
	flags.String("root-image-ref", "", "container image reference to build the root filesystem from")
	flags.Int64("firmware-size", config.DefaultFirmwareSizeMiB, "firmware partition size in MiB")
	flags.String("firmware-label", config.DefaultFirmwareLabel, "firmware volume label")
	flags.String("firmware-id", config.DefaultFirmwareID, "firmware volume id (32-bit hex), also the disk id")
	flags.Int64("gap", config.DefaultGapMiB, "alignment gap before the first partition in MiB")
	flags.String("root-uuid", "", "root filesystem UUID")
	flags.Bool("compress", false, "publish a zstd-compressed artifact")
	flags.String("populate-firmware", "", "command filling the firmware staging directory, run as sh -c with the directory as $1")
	flags.String("populate-root", "", "command run over the flattened root tree, run as sh -c with the tree as $1")
	flags.String("post-build", "", "command run over the finished artifact before publishing, run as sh -c with the image as $1")
	flags.String("work-dir", "", "scratch directory for intermediate files")

	return cmd
}

// resolveSpec applies the precedence order: flags over config file over
// built-in defaults.
func resolveSpec(flags *pflag.FlagSet) (config.ImageSpec, error) {
	spec := config.Default()

	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return spec, err
		}
		spec = loaded
	}

	stringFlags := map[string]*string{
		"output":            &spec.OutputPath,
		"root-image":        &spec.RootImagePath,
		"root-image-ref":    &spec.RootImageRef,
		"firmware-label":    &spec.FirmwareLabel,
		"firmware-id":       &spec.FirmwareID,
		"root-uuid":         &spec.RootUUID,
		"populate-firmware": &spec.FirmwarePopulateCmd,
		"populate-root":     &spec.RootPopulateCmd,
		"post-build":        &spec.PostBuildCmd,
		"work-dir":          &spec.WorkDir,
	}
	for name, target := range stringFlags {
		if flags.Changed(name) {
			*target, _ = flags.GetString(name)
		}
	}
	if flags.Changed("firmware-size") {
		spec.FirmwareSizeMiB, _ = flags.GetInt64("firmware-size")
	}
	if flags.Changed("gap") {
		spec.GapMiB, _ = flags.GetInt64("gap")
	}
	if flags.Changed("compress") {
		spec.Compress, _ = flags.GetBool("compress")
	}

	if spec.WorkDir == "" {
		spec.WorkDir = os.TempDir()
	}
	return spec, nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	spec, err := resolveSpec(cmd.Flags())
	if err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	runner := run.NewExec()
	source, err := rootSource(spec, runner)
	if err != nil {
		return err
	}

	locker := lock.NewFlockLocker(filepath.Join(spec.WorkDir, "sdforge"))
	assembler := assemble.New(runner, locker)

	result, err := assembler.Assemble(cmd.Context(), spec, source)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s raw, %s)\n",
		result.ArtifactPath,
		humanize.IBytes(uint64(result.SizeBytes)),
		result.BuildTime.Round(time.Millisecond))
	return nil
}

// rootSource picks the root filesystem source the spec configured. Validate
// already guaranteed exactly one is set.
func rootSource(spec config.ImageSpec, runner run.Runner) (rootfs.Source, error) {
	if spec.RootImagePath != "" {
		return rootfs.NewFileSource(spec.RootImagePath), nil
	}

	image, err := oci.NewRegistrySource(spec.RootImageRef)
	if err != nil {
		return nil, err
	}
	source := rootfs.NewImageSource(image, fs.NewLayerFlattener(), fs.NewExt4Builder(runner), runner)
	source.PopulateCmd = spec.RootPopulateCmd
	source.RootUUID = spec.RootUUID
	return source, nil
}
