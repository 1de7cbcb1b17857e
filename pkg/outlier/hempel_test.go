package outlier

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHempelFlagsLargeDeviation(t *testing.T) {
	res := Hempel([]float64{1, 2, 3, 4, 100}, DefaultNMADM)

	if res.Median != 3 {
		t.Errorf("Expected median 3, got %v", res.Median)
	}
	if res.MADM != 1 {
		t.Errorf("Expected MADM 1, got %v", res.MADM)
	}
	if res.Cutoff != 3 {
		t.Errorf("Expected cutoff 3, got %v", res.Cutoff)
	}
	if diff := cmp.Diff([]int{4}, res.Outliers); diff != "" {
		t.Errorf("Outliers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3}, res.Kept(5)); diff != "" {
		t.Errorf("Kept mismatch (-want +got):\n%s", diff)
	}
}

func TestHempelDefaultsAndThreshold(t *testing.T) {
	values := []float64{10, 11, 9, 10, 14}
	// median 10, MADM 1

	if got := Hempel(values, 0).Outliers; len(got) != 1 || got[0] != 4 {
		t.Errorf("Expected index 4 flagged with default cutoff, got %v", got)
	}
	if got := Hempel(values, 5).Outliers; len(got) != 0 {
		t.Errorf("Expected no outliers with cutoff 5, got %v", got)
	}
	if diff := cmp.Diff([]int{1, 2, 4}, Hempel(values, 1).Outliers); diff != "" {
		// a deviation equal to the cutoff is rejected
		t.Errorf("Outliers with cutoff 1 mismatch (-want +got):\n%s", diff)
	}
}

func TestHempelZeroMADM(t *testing.T) {
	res := Hempel([]float64{5, 5, 5, 7, 5}, DefaultNMADM)
	if diff := cmp.Diff([]int{3}, res.Outliers); diff != "" {
		t.Errorf("Outliers mismatch (-want +got):\n%s", diff)
	}

	if got := Hempel([]float64{2, 2, 2}, DefaultNMADM).Outliers; len(got) != 0 {
		t.Errorf("Expected no outliers in a constant sequence, got %v", got)
	}
}

func TestHempelEmpty(t *testing.T) {
	res := Hempel(nil, DefaultNMADM)
	if len(res.Outliers) != 0 || !math.IsNaN(res.Median) {
		t.Errorf("Expected empty result, got %+v", res)
	}
}

func TestMedian(t *testing.T) {
	if got := Median([]float64{4, 1, 3, 2}); got != 2.5 {
		t.Errorf("Expected 2.5, got %v", got)
	}
	if got := Median([]float64{3, 1, 2}); got != 2 {
		t.Errorf("Expected 2, got %v", got)
	}
}

func TestQuantile(t *testing.T) {
	if got := Quantile(0.5, []float64{3, 1, 2}); got != 2 {
		t.Errorf("Expected 2, got %v", got)
	}
	if got := Quantile(1, []float64{3, 1, 2}); got != 3 {
		t.Errorf("Expected 3, got %v", got)
	}
}
