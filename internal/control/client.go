package control

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/harvester/internal/convert"
	"github.com/and161185/harvester/internal/errs"
	"github.com/and161185/harvester/internal/model"
)

// Client calls the control API of a running agent.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

// Dial connects to a local agent. The control API is loopback only, so no TLS.
func Dial(addr string) (*Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewClient(conn), conn, nil
}

func (c *Client) invoke(ctx context.Context, method string, body map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(body)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

// ListServices returns all scheduler snapshots.
func (c *Client) ListServices(ctx context.Context) ([]model.ServiceStatus, error) {
	out, err := c.invoke(ctx, "ListServices", nil)
	if err != nil {
		return nil, err
	}
	return convert.FromStructServiceStatuses(out)
}

// RunNow triggers an immediate sync of name and waits for its result.
func (c *Client) RunNow(ctx context.Context, name string) (model.JobRunResult, error) {
	out, err := c.invoke(ctx, "RunNow", map[string]any{"name": name})
	if err != nil {
		return model.JobRunResult{}, err
	}
	return convert.FromStructRunResult(out)
}

// SetEnabled toggles a source and returns its new snapshot.
func (c *Client) SetEnabled(ctx context.Context, name string, enabled bool) (model.ServiceStatus, error) {
	out, err := c.invoke(ctx, "SetEnabled", map[string]any{"name": name, "enabled": enabled})
	if err != nil {
		return model.ServiceStatus{}, err
	}
	return convert.FromStructServiceStatus(out)
}

// StartBackfill launches a backfill of the last days for family.
func (c *Client) StartBackfill(ctx context.Context, family string, days int) (model.BackfillState, error) {
	out, err := c.invoke(ctx, "StartBackfill", map[string]any{"family": family, "days": days})
	if err != nil {
		return model.BackfillState{}, err
	}
	return convert.FromStructBackfill(out)
}

// CancelBackfill reports whether a running backfill was signalled.
func (c *Client) CancelBackfill(ctx context.Context, family string) (bool, error) {
	out, err := c.invoke(ctx, "CancelBackfill", map[string]any{"family": family})
	if err != nil {
		return false, err
	}
	return out.GetFields()["cancelled"].GetBoolValue(), nil
}

// BackfillProgress returns one family's snapshot, or all when family is empty.
func (c *Client) BackfillProgress(ctx context.Context, family string) ([]model.BackfillState, error) {
	out, err := c.invoke(ctx, "BackfillProgress", map[string]any{"family": family})
	if err != nil {
		return nil, err
	}
	return convert.FromStructBackfills(out)
}

// fromStatus restores the sentinel behind a status error so callers can use errors.Is.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()
	for _, m := range codeOf {
		if st.Code() == m.code && strings.HasPrefix(msg, m.err.Error()) {
			return fmt.Errorf("%w%s", m.err, strings.TrimPrefix(msg, m.err.Error()))
		}
	}
	if st.Code() == codes.NotFound {
		return fmt.Errorf("%w: %s", errs.ErrUnknownSource, msg)
	}
	return err
}
