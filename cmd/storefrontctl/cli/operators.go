package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cardvault/storefront/internal/operator"
)

// OperatorDirectory is the operator store used by the CLI.
type OperatorDirectory interface {
	GrantByUserID(ctx context.Context, actorID, userID string, role operator.Role) (operator.Operator, error)
	RevokeByUserID(ctx context.Context, actorID, userID string) (operator.Operator, error)
	As(actorID string) operator.Store
}

// OperatorsCLI manages operator rows outside the web console.
type OperatorsCLI struct {
	dir   OperatorDirectory
	actor string
}

// NewOperatorsCLI constructs an OperatorsCLI acting as actor.
func NewOperatorsCLI(dir OperatorDirectory, actor string) *OperatorsCLI {
	return &OperatorsCLI{dir: dir, actor: actor}
}

// Grant makes userID an operator with role.
func (c *OperatorsCLI) Grant(ctx context.Context, out io.Writer, userID, role string) error {
	r := operator.Role(role)
	if !r.Valid() {
		return fmt.Errorf("unknown role %q (want admin or super_admin)", role)
	}
	op, err := c.dir.GrantByUserID(ctx, c.actor, userID, r)
	if err != nil {
		return fmt.Errorf("grant operator: %w", err)
	}
	_, err = fmt.Fprintf(out, "granted %s to %s (operator %s)\n", op.Role, op.UserID, op.ID)
	return err
}

// Revoke removes userID's operator row.
func (c *OperatorsCLI) Revoke(ctx context.Context, out io.Writer, userID string) error {
	op, err := c.dir.RevokeByUserID(ctx, c.actor, userID)
	if err != nil {
		return fmt.Errorf("revoke operator: %w", err)
	}
	_, err = fmt.Fprintf(out, "revoked %s from %s\n", op.Role, op.UserID)
	return err
}

// List prints operators as a table, or JSON when asJSON is set.
func (c *OperatorsCLI) List(ctx context.Context, out io.Writer, role string, asJSON bool) error {
	filter := operator.ListFilter{Role: operator.Role(role)}
	if filter.Role != "" && !filter.Role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	ops, err := c.dir.As(c.actor).ListOperators(ctx, filter)
	if err != nil {
		return fmt.Errorf("list operators: %w", err)
	}
	if asJSON {
		if ops == nil {
			ops = []operator.Operator{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(ops)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tEMAIL\tROLE\tSINCE")
	for _, op := range ops {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", op.ID, op.UserID, op.Email, op.Role, op.CreatedAt.Format("2006-01-02"))
	}
	return tw.Flush()
}
