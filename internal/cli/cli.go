// Package cli is the visionx command line: it lists algorithms, validates
// images, and drives a processing session against the remote service.
package cli

import (
	"context"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/dunamismax/visionx/internal/config"
	"github.com/dunamismax/visionx/internal/remote"
	"github.com/dunamismax/visionx/internal/session"
	"github.com/rs/zerolog"
)

// Service is the processing service surface the commands need.
type Service interface {
	session.Service
	Health(ctx context.Context) error
}

type ServiceFactory func(cfg config.ServiceConfig) (Service, error)

func defaultServiceFactory(cfg config.ServiceConfig) (Service, error) {
	return remote.NewClient(remote.Config{BaseURL: cfg.BaseURL, Timeout: cfg.Timeout})
}

type Root struct {
	cfg        config.Config
	logger     zerolog.Logger
	out        io.Writer
	styles     styles
	newService ServiceFactory
}

func NewRoot(cfg config.Config, logger zerolog.Logger, out io.Writer) *Root {
	return &Root{
		cfg:        cfg,
		logger:     logger,
		out:        out,
		styles:     newStyles(lipgloss.NewRenderer(out)),
		newService: defaultServiceFactory,
	}
}

// Run executes args as if they were given on the command line.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := r.Command()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func (r *Root) service() (Service, error) {
	return r.newService(r.cfg.Service)
}

type styles struct {
	header lipgloss.Style
	label  lipgloss.Style
	muted  lipgloss.Style
	ok     lipgloss.Style
	err    lipgloss.Style
}

func newStyles(renderer *lipgloss.Renderer) styles {
	return styles{
		header: renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("#50E3C2")),
		label:  renderer.NewStyle().Foreground(lipgloss.Color("#F6AE2D")),
		muted:  renderer.NewStyle().Foreground(lipgloss.Color("#8CA1AE")),
		ok:     renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("#50E3C2")),
		err:    renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")),
	}
}

// RenderError formats err for a terminal.
func (r *Root) RenderError(err error) string {
	return r.styles.err.Render("error:") + " " + err.Error()
}
