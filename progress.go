package main

import (
	"os"

	"github.com/schollz/progressbar/v3"
)

// progressBar shows reprojection progress on stderr.
type progressBar struct {
	bar *progressbar.ProgressBar
}

func newProgressBar() *progressBar {
	return &progressBar{bar: progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("tiles"),
		progressbar.OptionShowIts(),
		progressbar.OptionShowCount(),
	)}
}

func (p *progressBar) SetMax(max int) {
	p.bar.ChangeMax(max)
}

func (p *progressBar) AddProgress(n int) {
	_ = p.bar.Add(n)
}

func (p *progressBar) Finish() {
	_ = p.bar.Finish()
	_, _ = os.Stderr.WriteString("\n")
}
