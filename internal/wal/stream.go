package wal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"
)

const (
	outputPlugin          = "wal2json"
	standbyMessageTimeout = 10 * time.Second
	reconnectDelay        = 5 * time.Second
)

// Stream reads a wal2json logical replication slot and hands every
// payload to a Consumer, reconnecting until its context ends.
type Stream struct {
	connString string
	slot       string
	consumer   *Consumer
	log        *zap.Logger
}

// NewStream prepares a stream on slot. The slot is created on first
// connect when it does not exist.
func NewStream(connString, slot string, c *Consumer, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.L()
	}
	return &Stream{
		connString: ReplicationConnString(connString),
		slot:       slot,
		consumer:   c,
		log:        log.Named("wal"),
	}
}

// ReplicationConnString adds replication=database to a libpq keyword or
// URL connection string.
func ReplicationConnString(conn string) string {
	if strings.Contains(conn, "replication=") {
		return conn
	}
	if strings.HasPrefix(conn, "postgres://") || strings.HasPrefix(conn, "postgresql://") {
		if strings.Contains(conn, "?") {
			return conn + "&replication=database"
		}
		return conn + "?replication=database"
	}
	return strings.TrimSpace(conn + " replication=database")
}

// Run replicates until ctx is done.
func (s *Stream) Run(ctx context.Context) error {
	for {
		err := s.replicate(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("replication interrupted, reconnecting", zap.Error(err), zap.Duration("in", reconnectDelay))
		if err := sleepWithContext(ctx, reconnectDelay); err != nil {
			return err
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Stream) replicate(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, s.connString)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	sys, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return err
	}
	s.log.Info("identified system",
		zap.String("system_id", sys.SystemID),
		zap.Int32("timeline", sys.Timeline),
		zap.String("xlogpos", sys.XLogPos.String()),
		zap.String("db", sys.DBName),
	)

	if err := s.ensureSlot(ctx, conn); err != nil {
		return err
	}

	err = pglogrepl.StartReplication(ctx, conn, s.slot, sys.XLogPos,
		pglogrepl.StartReplicationOptions{PluginArgs: []string{"\"include-types\" 'true'"}})
	if err != nil {
		return err
	}
	s.log.Info("logical replication started", zap.String("slot", s.slot))

	var lastLSN pglogrepl.LSN
	nextStandbyMessageDeadline := time.Now().Add(standbyMessageTimeout)

	for {
		if time.Now().After(nextStandbyMessageDeadline) && lastLSN != 0 {
			err = pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: lastLSN})
			if err != nil {
				return err
			}
			nextStandbyMessageDeadline = time.Now().Add(standbyMessageTimeout)
		}

		rctx, cancel := context.WithDeadline(ctx, nextStandbyMessageDeadline)
		rawMsg, err := conn.ReceiveMessage(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
				continue
			}
			return err
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return errors.New(errMsg.Message)
		}

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			s.log.Debug("unexpected replication message", zap.String("type", fmt.Sprintf("%T", rawMsg)))
			continue
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				s.log.Warn("bad keepalive", zap.Error(err))
				continue
			}
			if pkm.ReplyRequested {
				nextStandbyMessageDeadline = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				s.log.Warn("bad xlog data", zap.Error(err))
				continue
			}
			s.consumer.OnMessage(xld.WALData)
			lastLSN = xld.WALStart + pglogrepl.LSN(len(xld.WALData))
		}
	}
}

func (s *Stream) ensureSlot(ctx context.Context, conn *pgconn.PgConn) error {
	_, err := pglogrepl.CreateReplicationSlot(ctx, conn, s.slot, outputPlugin, pglogrepl.CreateReplicationSlotOptions{})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42710" { // duplicate_object
		return nil
	}
	if err == nil {
		s.log.Info("replication slot created", zap.String("slot", s.slot))
	}
	return err
}
