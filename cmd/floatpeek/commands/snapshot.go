package commands

import (
	"fmt"
	"image/png"
	"os"

	"github.com/bryanchriswhite/FloatPeek/internal/capture"
	"github.com/bryanchriswhite/FloatPeek/internal/logger"
	"github.com/bryanchriswhite/FloatPeek/internal/window"
	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Capture one cropped frame to a PNG file",
	Long: `Resolve the target application, capture its window once, apply the
configured crop margins and write the result as PNG. Useful for tuning
the crop settings without starting the preview.`,
	Example: `  # Snapshot the configured application
  floatpeek snapshot --out frame.png

  # Snapshot another application
  floatpeek snapshot --app firefox --out firefox.png`,
	RunE: runSnapshot,
}

var snapshotOut string

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.Flags().StringVarP(&snapshotOut, "out", "o", "snapshot.png", "output PNG file")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg := configMgr.Get()
	log := logger.WithComponent("snapshot")

	backend, err := window.NewX11Backend()
	if err != nil {
		return fmt.Errorf("failed to connect to X11: %w", err)
	}
	resolver := window.NewResolver(backend, cfg.Aliases)
	defer resolver.Close()

	h, ok := resolver.Resolve(cfg.TargetApp)
	if !ok {
		return fmt.Errorf("no window found for %q", cfg.TargetApp)
	}

	router, err := capture.NewDefaultRouter()
	if err != nil {
		return fmt.Errorf("failed to initialize capturer: %w", err)
	}
	defer router.Close()

	res := router.Capture(h)
	if !res.OK() {
		return fmt.Errorf("capture failed: %w", res.Err)
	}

	img, err := capture.Crop(res.Frame, capture.MarginsFromConfig(cfg.Crop))
	if err != nil {
		return err
	}

	f, err := os.Create(snapshotOut)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", snapshotOut, err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("failed to encode PNG: %w", err)
	}

	log.Info().
		Str("app", cfg.TargetApp).
		Uint32("window", uint32(h)).
		Int("width", img.Bounds().Dx()).
		Int("height", img.Bounds().Dy()).
		Str("file", snapshotOut).
		Msg("Snapshot written")
	return nil
}
