package provision

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/edvin/stackboot/internal/envfile"
	"github.com/edvin/stackboot/internal/model"
)

const masked = "********"

// StatusSources are the read-only views the status report is built from.
type StatusSources struct {
	Certificate func() (*model.Certificate, error)
	Environment func() (*model.EnvironmentRecord, error)
	Stack       func(ctx context.Context) (*model.ServiceStack, error)
}

// Status is a point-in-time report of the host.
type Status struct {
	Certificate *model.Certificate
	CertErr     error
	Environment []model.EnvEntry
	EnvErr      error
	Stack       *model.ServiceStack
	StackErr    error
}

// CollectStatus gathers every section. A failing section is reported in
// place rather than aborting the report. Secret values are masked.
func CollectStatus(ctx context.Context, src StatusSources) *Status {
	s := &Status{}
	s.Certificate, s.CertErr = src.Certificate()

	rec, err := src.Environment()
	s.EnvErr = err
	if rec != nil {
		for _, e := range rec.Entries {
			if envfile.SecretKeys[e.Key] && e.Value != "" {
				e.Value = masked
			}
			s.Environment = append(s.Environment, e)
		}
		sort.Slice(s.Environment, func(i, j int) bool { return s.Environment[i].Key < s.Environment[j].Key })
	}

	s.Stack, s.StackErr = src.Stack(ctx)
	return s
}

// Write renders the report for a terminal.
func (s *Status) Write(w io.Writer, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "CERTIFICATE")
	switch {
	case s.CertErr != nil && os.IsNotExist(s.CertErr):
		fmt.Fprintln(tw, "  state\tabsent")
	case s.CertErr != nil:
		fmt.Fprintf(tw, "  error\t%v\n", s.CertErr)
	default:
		fmt.Fprintf(tw, "  subject\t%s\n", s.Certificate.Subject)
		fmt.Fprintf(tw, "  expires\t%s (in %s)\n", s.Certificate.ExpiresAt.UTC().Format(time.RFC3339), s.Certificate.ExpiresAt.Sub(now).Round(time.Minute))
		fmt.Fprintf(tw, "  fullchain\t%s\n", s.Certificate.FullchainPath)
	}

	fmt.Fprintln(tw, "ENVIRONMENT")
	if s.EnvErr != nil {
		fmt.Fprintf(tw, "  error\t%v\n", s.EnvErr)
	}
	for _, e := range s.Environment {
		fmt.Fprintf(tw, "  %s\t%s\n", e.Key, e.Value)
	}

	fmt.Fprintln(tw, "STACK")
	switch {
	case s.StackErr != nil:
		fmt.Fprintf(tw, "  error\t%v\n", s.StackErr)
	case len(s.Stack.Services) == 0:
		fmt.Fprintf(tw, "  %s\tno containers\n", s.Stack.Project)
	default:
		for _, svc := range s.Stack.Services {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", svc.Service, strings.ToLower(svc.State), svc.Container)
		}
	}
	return tw.Flush()
}
