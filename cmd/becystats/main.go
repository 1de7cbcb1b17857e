package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/rwturner17/BECy-stats/pkg/align"
	"github.com/rwturner17/BECy-stats/pkg/cloud"
	"github.com/rwturner17/BECy-stats/pkg/config"
	"github.com/rwturner17/BECy-stats/pkg/distribution"
	"github.com/rwturner17/BECy-stats/pkg/imagesource"
	"github.com/rwturner17/BECy-stats/pkg/od"
	"github.com/rwturner17/BECy-stats/pkg/regression"
	"github.com/rwturner17/BECy-stats/pkg/visualization"
)

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Directory containing absorption images (FITS)")
	configPath := flag.String("config", "becystats.yaml", "YAML configuration file")
	initConfig := flag.Bool("init-config", false, "Write the default configuration to -config and exit")
	metrics := flag.String("metrics", cloud.AtomNumber, "Comma-separated distributions to build and summarise")
	outliers := flag.String("outliers", "", "Distribution whose Hempel outliers are removed from every distribution")
	regress := flag.String("regress", "", "Comma-separated regressions: lifetime, temperature, trap, magnification")
	axis := flag.String("axis", "z", "Cloud axis used by temperature and trap frequency regressions")
	plots := flag.Bool("plots", false, "Save histograms, time series, fits and OD images")
	alignLD := flag.Bool("align", false, "Align line densities and compute the power spectral density")
	numCores := flag.Int("cores", 0, "Number of frames processed concurrently (default: from config)")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	// Validate inputs
	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *numCores > 0 {
		cfg.Processing.NumCores = *numCores
	}

	opts, err := cfg.ExtractorOptions()
	if err != nil {
		log.Fatalf("Invalid imaging options: %v", err)
	}
	regressionAxis, err := cloud.ParseAxis(*axis)
	if err != nil {
		log.Fatalf("Invalid -axis: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("BECY-STATS: COLD-ATOM ABSORPTION IMAGING STATISTICS")
	fmt.Println("================================")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	files, err := imagesource.Discover(*inputDir)
	if err != nil {
		log.Fatalf("Failed to list %s: %v", *inputDir, err)
	}
	if len(files) == 0 {
		log.Fatalf("No images found in %s", *inputDir)
	}
	fmt.Printf("Found %d images in %s\n", len(files), *inputDir)

	loader := imagesource.FITSLoader{}
	d := distribution.New(files, loader, cloud.NewExtractor(opts), cfg.DistributionParams())

	fmt.Println("Extracting cloud metrics with parallel processing...")
	startTime := time.Now()
	if err := d.BuildDefaultSet(ctx); err != nil {
		log.Fatalf("Building distributions failed: %v", err)
	}
	fmt.Printf("Processed %d images in %.2f seconds using %d workers\n",
		d.Len(), time.Since(startTime).Seconds(), cfg.Processing.NumCores)
	if failed := d.Failures(cloud.AtomNumber); len(failed) > 0 {
		fmt.Printf("%d images could not be processed\n", len(failed))
	}

	if *outliers != "" {
		removed, err := d.RemoveOutliers(ctx, *outliers, cfg.Outliers.NMADM)
		if err != nil {
			log.Fatalf("Outlier removal failed: %v", err)
		}
		fmt.Printf("\nRemoved %d outliers of %s (%g MADM): %v\n", len(removed), *outliers, cfg.Outliers.NMADM, removed)
	}

	names := splitList(*metrics)
	fmt.Println("\nDistribution statistics:")
	fmt.Println("=======================================")
	for _, name := range names {
		s, err := d.Summary(ctx, name)
		if err != nil {
			log.Printf("Warning: %s: %v", name, err)
			continue
		}
		fmt.Printf("%s\n\n", s)
	}

	var results []*regression.Result
	for _, name := range splitList(*regress) {
		r, err := runRegression(ctx, name, d, regressionAxis, cfg)
		if err != nil {
			log.Printf("Warning: %s regression failed: %v", name, err)
			continue
		}
		fmt.Println(r)
		results = append(results, r)
	}

	var psd *align.PSD
	var aligned *align.Aligned
	pixel := 0.0
	if *alignLD {
		aligned, psd, pixel, err = alignLineDensities(ctx, d, loader, cfg.Align.MaxShift)
		if err != nil {
			log.Printf("Warning: line density alignment failed: %v", err)
		} else {
			mean, std := align.ShiftStats(aligned.Shifts, pixel)
			fmt.Printf("\nAligned %d of %d line densities\n", len(aligned.Kept), d.Len())
			fmt.Printf("Shift: %.3g ± %.3g m\n", mean, std)
		}
	}

	if *plots {
		plotDir := cfg.Output.PlotDir
		fmt.Printf("\nSaving plots to: %s\n", plotDir)
		if err := savePlots(ctx, plotDir, d, loader, names, results, aligned, psd, pixel); err != nil {
			log.Printf("Warning: Failed to save plots: %v", err)
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runRegression(ctx context.Context, name string, d *distribution.Distribution, axis cloud.Axis, cfg *config.Config) (*regression.Result, error) {
	switch name {
	case "lifetime":
		return regression.Lifetime(ctx, d, cfg.Fitting)
	case "temperature":
		return regression.Temperature(ctx, d, axis, cfg.Physics, cfg.Fitting)
	case "trap":
		return regression.TrapFrequency(ctx, d, axis, cfg.Fitting)
	case "magnification":
		return regression.Magnification(ctx, d, cfg.Physics, cfg.Fitting)
	}
	return nil, fmt.Errorf("unknown regression %q", name)
}

// alignLineDensities registers the line density of every processed frame
// and returns the PSD of their normalised average
func alignLineDensities(ctx context.Context, d *distribution.Distribution, loader imagesource.Loader, maxShift int) (*align.Aligned, *align.PSD, float64, error) {
	first, err := loader.Load(d.Files()[0])
	if err != nil {
		return nil, nil, 0, err
	}
	pixel := first.PixelSize / first.Magnification

	cds, err := d.ColumnDensities(ctx, false)
	if err != nil {
		return nil, nil, 0, err
	}
	var lds [][]float64
	for _, cd := range cds {
		if cd != nil {
			lds = append(lds, align.LineDensity(cd, pixel))
		}
	}
	aligned, err := align.AlignLineDensities(lds, maxShift)
	if err != nil {
		return nil, nil, 0, err
	}
	avg, err := align.AverageNormalized(aligned.Profiles)
	if err != nil {
		return nil, nil, 0, err
	}
	return aligned, align.PowerSpectralDensity(avg, pixel), pixel, nil
}

func savePlots(ctx context.Context, dir string, d *distribution.Distribution, loader imagesource.Loader, names []string, results []*regression.Result, aligned *align.Aligned, psd *align.PSD, pixel float64) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, name := range names {
		if !d.Has(name) {
			continue
		}
		values := make([]float64, d.Len())
		for i, v := range d.Values(name) {
			values[i] = v.Float()
		}
		if err := visualization.SaveHistogram(filepath.Join(dir, name+"_hist.png"), name, name, values, 0); err != nil {
			return err
		}
		if err := visualization.SaveTimeSeries(filepath.Join(dir, name+"_series.png"), name, name, values); err != nil {
			return err
		}
	}
	for _, r := range results {
		if err := visualization.SaveFit(filepath.Join(dir, r.Name+"_fit.png"), r); err != nil {
			return err
		}
	}
	if aligned != nil {
		if err := visualization.SaveProfiles(filepath.Join(dir, "aligned_line_densities.png"), "Aligned line densities", aligned.Profiles, pixel); err != nil {
			return err
		}
		if err := visualization.SavePSD(filepath.Join(dir, "psd.png"), psd); err != nil {
			return err
		}
	}

	// The summed planes of the first image show where the sample sits
	if first, err := loader.Load(d.Files()[0]); err == nil {
		if err := visualization.SaveODImage(od.VerticalImage(first), filepath.Join(dir, "vertical_image.png")); err != nil {
			return err
		}
	}

	stats, err := d.ImageStatistics(ctx)
	if err != nil {
		return err
	}
	if err := visualization.SaveODImage(stats.Average, filepath.Join(dir, "average_od.png")); err != nil {
		return err
	}
	return visualization.SaveODImage(stats.SNR, filepath.Join(dir, "snr_map.png"))
}
