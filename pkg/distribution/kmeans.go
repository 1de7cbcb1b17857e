package distribution

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Clustering is a k-means partition of two aligned distributions
type Clustering struct {
	// Centroids holds one (name1, name2) point per cluster
	Centroids [][2]float64

	// Indices are the distribution indices clustered; Labels[i] is the
	// cluster of Indices[i]
	Indices []int
	Labels  []int

	Iterations int
}

const maxKMeansIterations = 100

// KMeans clusters the images on the plane of two built distributions with
// Lloyd's algorithm. Initial centroids are spread evenly over the points
// sorted by name1, which keeps the result deterministic.
func (d *Distribution) KMeans(name1, name2 string, k int) (*Clustering, error) {
	cols, indices, err := d.Aligned(name1, name2)
	if err != nil {
		return nil, err
	}
	n := len(indices)
	if k < 1 || n < k {
		return nil, errors.Wrapf(ErrNoData, "%d aligned points for %d clusters", n, k)
	}

	points := make([]kdtree.Point, n)
	for i := range points {
		points[i] = kdtree.Point{cols[0][i], cols[1][i]}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return points[order[a]][0] < points[order[b]][0] })
	centroids := make([]kdtree.Point, k)
	for c := range centroids {
		pos := 0
		if k > 1 {
			pos = c * (n - 1) / (k - 1)
		}
		centroids[c] = append(kdtree.Point(nil), points[order[pos]]...)
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}
	res := &Clustering{Indices: indices}
	for res.Iterations = 1; res.Iterations <= maxKMeansIterations; res.Iterations++ {
		changed := assign(points, centroids, labels)
		updateCentroids(points, centroids, labels)
		if !changed {
			break
		}
	}
	if res.Iterations > maxKMeansIterations {
		res.Iterations = maxKMeansIterations
	}

	res.Labels = labels
	res.Centroids = make([][2]float64, k)
	for c, p := range centroids {
		res.Centroids[c] = [2]float64{p[0], p[1]}
	}
	return res, nil
}

// assign labels every point with its nearest centroid and reports whether
// any label changed
func assign(points, centroids []kdtree.Point, labels []int) bool {
	tree := kdtree.New(newCentroidSet(centroids), false)
	changed := false
	for i, p := range points {
		nearest, _ := tree.Nearest(labelled{Point: p, label: -1})
		label := nearest.(labelled).label
		if label != labels[i] {
			labels[i] = label
			changed = true
		}
	}
	return changed
}

// labelled is a centroid that keeps its cluster id through the kd-tree,
// so coincident centroids stay distinct
type labelled struct {
	kdtree.Point
	label int
}

func (c labelled) Compare(o kdtree.Comparable, d kdtree.Dim) float64 {
	return c.Point[d] - o.(labelled).Point[d]
}

func (c labelled) Dims() int { return len(c.Point) }

// Distance returns the squared Euclidean distance
func (c labelled) Distance(o kdtree.Comparable) float64 {
	return c.Point.Distance(o.(labelled).Point)
}

// centroidSet satisfies kdtree.Interface
type centroidSet []labelled

func newCentroidSet(centroids []kdtree.Point) centroidSet {
	set := make(centroidSet, len(centroids))
	for i, c := range centroids {
		set[i] = labelled{Point: c, label: i}
	}
	return set
}

func (s centroidSet) Index(i int) kdtree.Comparable         { return s[i] }
func (s centroidSet) Len() int                              { return len(s) }
func (s centroidSet) Slice(start, end int) kdtree.Interface { return s[start:end] }

func (s centroidSet) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(centroidPlane{centroidSet: s, Dim: d}, kdtree.MedianOfMedians(centroidPlane{centroidSet: s, Dim: d}))
}

type centroidPlane struct {
	centroidSet
	kdtree.Dim
}

func (p centroidPlane) Less(i, j int) bool {
	return p.centroidSet[i].Point[p.Dim] < p.centroidSet[j].Point[p.Dim]
}

func (p centroidPlane) Slice(start, end int) kdtree.SortSlicer {
	return centroidPlane{centroidSet: p.centroidSet[start:end], Dim: p.Dim}
}

func (p centroidPlane) Swap(i, j int) {
	p.centroidSet[i], p.centroidSet[j] = p.centroidSet[j], p.centroidSet[i]
}

// updateCentroids moves each centroid to the mean of its points; empty
// clusters keep their centroid
func updateCentroids(points, centroids []kdtree.Point, labels []int) {
	sums := make([][2]float64, len(centroids))
	counts := make([]int, len(centroids))
	for i, p := range points {
		c := labels[i]
		sums[c][0] += p[0]
		sums[c][1] += p[1]
		counts[c]++
	}
	for c := range centroids {
		if counts[c] == 0 {
			continue
		}
		centroids[c] = kdtree.Point{sums[c][0] / float64(counts[c]), sums[c][1] / float64(counts[c])}
	}
}
