// Package broadcast delivers order events to kitchen displays.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/xenking/tablepos/internal/domain/order"
)

const publishTimeout = 5 * time.Second

// Config of the kitchen broker.
type Config struct {
	URL      string `usage:"AMQP URL of the kitchen broker, empty to only log events"`
	Exchange string `default:"kitchen_fanout" usage:"Fanout exchange for kitchen events"`
}

// channel is the subset of *amqp.Channel used for publishing.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// session is one broker connection with its publishing channel.
type session interface {
	channel
	IsClosed() bool
	Close() error
}

// amqpSession watches its channel with NotifyClose, so a dropped connection
// or channel is noticed before the next publish.
type amqpSession struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed chan *amqp.Error
}

func (s *amqpSession) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return s.ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

func (s *amqpSession) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return s.conn.IsClosed()
	}
}

func (s *amqpSession) Close() error {
	if s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}

func dialSession(cfg Config) (session, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "dial broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "declare exchange %s", cfg.Exchange)
	}
	return &amqpSession{
		conn:   conn,
		ch:     ch,
		closed: ch.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

var _ order.Broadcaster = (*Publisher)(nil)

// Publisher sends events to a fanout exchange. A publish on a closed session
// redials the broker first.
type Publisher struct {
	exchange string
	dial     func() (session, error)
	now      func() time.Time

	mu     sync.Mutex
	sess   session
	closed bool
}

// Dial connects to the broker and declares the exchange. Later reconnects
// use the same configuration.
func Dial(cfg Config) (*Publisher, error) {
	p := newPublisher(cfg.Exchange, func() (session, error) { return dialSession(cfg) })
	if _, err := p.session(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

func newPublisher(exchange string, dial func() (session, error)) *Publisher {
	return &Publisher{exchange: exchange, dial: dial, now: time.Now}
}

// session returns the open session, redialing when the previous one closed.
func (p *Publisher) session(ctx context.Context) (session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("publisher closed")
	}
	if p.sess != nil {
		if !p.sess.IsClosed() {
			return p.sess, nil
		}
		_ = p.sess.Close()
		p.sess = nil
		zctx.From(ctx).Warn("Kitchen broker session closed, reconnecting")
	}
	s, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.sess = s
	return s, nil
}

// Publish implements order.Broadcaster. A publish that fails because the
// session closed under it is retried once on a fresh session.
func (p *Publisher) Publish(ctx context.Context, ev order.Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType: "application/json",
		Type:        string(ev.Type),
		MessageId:   ev.Order.ID,
		Timestamp:   p.now(),
		Body:        Encode(ev),
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var s session
		if s, err = p.session(ctx); err != nil {
			break
		}
		if err = s.PublishWithContext(ctx, p.exchange, "", false, false, msg); err == nil {
			zctx.From(ctx).Debug("Published kitchen event",
				zap.String("event", string(ev.Type)),
				zap.String("order_id", ev.Order.ID),
			)
			return nil
		}
		if !s.IsClosed() {
			break
		}
	}
	return errors.Wrapf(err, "publish %s", ev.Type)
}

// Check reports whether the broker session is open. It does not redial;
// the next publish does.
func (p *Publisher) Check(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil || p.sess.IsClosed() {
		return errors.New("broker connection closed")
	}
	return nil
}

// Close closes the broker session.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.sess == nil {
		return nil
	}
	err := p.sess.Close()
	p.sess = nil
	return err
}

// Log is a Broadcaster that only logs events, used when no broker is set up.
type Log struct{}

var _ order.Broadcaster = Log{}

// Publish implements order.Broadcaster.
func (Log) Publish(ctx context.Context, ev order.Event) error {
	zctx.From(ctx).Info("Kitchen event",
		zap.String("event", string(ev.Type)),
		zap.String("order_id", ev.Order.ID),
		zap.String("table_id", ev.Order.TableID),
		zap.String("status", string(ev.Order.Status)),
		zap.Int("pending_items", len(ev.Order.PendingItems())),
	)
	return nil
}

// Encode renders the kitchen message for ev.
func Encode(ev order.Event) []byte {
	o := ev.Order

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("type")
	e.Str(string(ev.Type))
	e.FieldStart("at")
	e.Str(ev.At.UTC().Format(time.RFC3339Nano))
	e.FieldStart("order")
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("tableId")
	e.Str(o.TableID)
	e.FieldStart("tableLabel")
	e.Str(o.TableLabel)
	e.FieldStart("orderType")
	e.Str(string(o.Type))
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("items")
	e.ArrStart()
	for _, li := range o.Items {
		e.ObjStart()
		e.FieldStart("id")
		e.Int64(li.ID)
		e.FieldStart("menuItemId")
		e.Str(li.MenuItemID)
		e.FieldStart("quantity")
		e.Int(li.Quantity)
		e.FieldStart("status")
		e.Str(string(li.Status))
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
	e.ObjEnd()
	return e.Bytes()
}
