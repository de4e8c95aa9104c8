package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qrclock/attendcore/pkg/attendcore"
	"github.com/qrclock/attendcore/pkg/color"
	"github.com/qrclock/attendcore/pkg/config"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/logging"
	"github.com/qrclock/attendcore/pkg/model"
)

// openCore loads <data-dir>/attendcore.yaml and opens the core over it.
// Logs go to stderr so stdout stays parseable.
func openCore(ctx context.Context) (*attendcore.Core, error) {
	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, err
	}
	log := logging.New(logging.ParseLevel(cfg.Logging.Level), logging.Format(cfg.Logging.Format), os.Stderr)
	return attendcore.Open(ctx, cfg, attendcore.Options{DataDir: dataDir, Logger: log})
}

// withCore opens the core for the duration of fn.
func withCore(cmd *cobra.Command, fn func(ctx context.Context, core *attendcore.Core) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	core, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(ctx, core)
}

// withWriter is withCore plus the writer lease for mutating commands.
func withWriter(cmd *cobra.Command, purpose string, fn func(ctx context.Context, core *attendcore.Core) error) error {
	return withCore(cmd, func(ctx context.Context, core *attendcore.Core) error {
		return core.WithWriterLease(ctx, purpose, func(ctx context.Context) error {
			return fn(ctx, core)
		})
	})
}

func currentActor() (model.Actor, error) {
	role := model.Role(strings.ToLower(actorRole))
	switch role {
	case model.RoleAdmin, model.RoleSupervisor, model.RoleWorker, model.RoleSystem:
	default:
		return model.Actor{}, errclass.ErrConfigInvalid.WithMessagef("unknown role %q", actorRole)
	}
	if strings.TrimSpace(actorID) == "" {
		return model.Actor{}, errclass.ErrNameInvalid.WithMessage("actor must not be empty")
	}
	return model.Actor{ID: actorID, Role: role}, nil
}

// parseCollection resolves a record collection name.
func parseCollection(name string) (model.Collection, error) {
	for _, c := range model.RecordCollections {
		if string(c) == name {
			return c, nil
		}
	}
	return "", errclass.ErrNameInvalid.WithMessagef("unknown collection %q. %s", name, suggestCollections(name))
}

func fmtErr(format string, args ...any) {
	prefix := "attendctl: "
	if color.Enabled() {
		prefix = color.Error("attendctl:") + " "
	}
	fmt.Fprintf(os.Stderr, prefix+format+"\n", args...)
}
