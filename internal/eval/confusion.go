package eval

import (
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gonum.org/v1/gonum/mat"
)

// Confusion counts predictions per actual class. Rows are actual labels,
// columns predicted labels.
type Confusion struct {
	Labels []string
	counts *mat.Dense
}

// NewConfusion returns an empty matrix over labels.
func NewConfusion(labels []string) *Confusion {
	n := max(len(labels), 1)
	return &Confusion{Labels: labels, counts: mat.NewDense(n, n, nil)}
}

// Add records one prediction.
func (c *Confusion) Add(actual, predicted int) {
	c.counts.Set(actual, predicted, c.counts.At(actual, predicted)+1)
}

// Count returns how often actual was predicted as predicted.
func (c *Confusion) Count(actual, predicted int) int {
	return int(c.counts.At(actual, predicted))
}

// Total is the number of recorded predictions.
func (c *Confusion) Total() int {
	return int(mat.Sum(c.counts))
}

// Accuracy is the trace over the total.
func (c *Confusion) Accuracy() float64 {
	total := mat.Sum(c.counts)
	if total == 0 {
		return 0
	}
	return mat.Trace(c.counts) / total
}

// Recall of class i, 0 when the class never occurs.
func (c *Confusion) Recall(i int) float64 {
	row := mat.Sum(c.counts.RowView(i))
	if row == 0 {
		return 0
	}
	return c.counts.At(i, i) / row
}

// Precision of class i, 0 when the class is never predicted.
func (c *Confusion) Precision(i int) float64 {
	col := mat.Sum(c.counts.ColView(i))
	if col == 0 {
		return 0
	}
	return c.counts.At(i, i) / col
}

// Render writes the matrix as a table with recall per row.
func (c *Confusion) Render(w io.Writer) {
	t := tablewriter.NewWriter(w)
	header := append([]string{"actual \\ predicted"}, c.Labels...)
	t.SetHeader(append(header, "recall"))
	t.SetAlignment(tablewriter.ALIGN_RIGHT)
	for i, l := range c.Labels {
		row := []string{l}
		for j := range c.Labels {
			row = append(row, strconv.Itoa(c.Count(i, j)))
		}
		row = append(row, strconv.FormatFloat(c.Recall(i), 'f', 3, 64))
		t.Append(row)
	}
	t.Render()
}
