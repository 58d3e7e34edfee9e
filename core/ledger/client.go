package ledger

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"JukeFM/logger"

	"golang.org/x/text/encoding/charmap"
)

const (
	opIdentify = "102"
	opBalance  = "602"
	opDebit    = "702"

	responseBufferSize = 1024
	noValue            = ".\n"
)

// Client BILL 账本行协议客户端。每个请求单独建立连接，发送一行，最多读取一个缓冲区
type Client struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer

	// strict 为 true 时，同一账户的 检查余额+扣费 整个过程串行
	strict       bool
	chargeLocks  *accountLocks
	sessionLocks *accountLocks
}

// NewClient 创建账本客户端
func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		addr:         addr,
		timeout:      timeout,
		dialer:       net.Dialer{Timeout: timeout},
		chargeLocks:  newAccountLocks(),
		sessionLocks: newAccountLocks(),
	}
}

// SetStrictAccountLock 开启后 Session 返回真正的账户锁
func (c *Client) SetStrictAccountLock(strict bool) {
	c.strict = strict
}

// Session 返回释放函数。非严格模式下是空操作：检查与扣费之间允许并发（与旧系统一致）
func (c *Client) Session(key string) func() {
	if !c.strict {
		return func() {}
	}
	return c.sessionLocks.lock(key)
}

// Identify 校验 BILL 编码并返回账户显示名
func (c *Client) Identify(ctx context.Context, code string) (*Account, error) {
	key, pin, err := ParseCode(code)
	if err != nil {
		return nil, err
	}

	name, ok, err := c.query(ctx, opIdentify, key, "0", pin)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCode
	}
	return &Account{Key: key, Name: name}, nil
}

// Balance 查询账户余额，账本返回无值时视为 0
func (c *Client) Balance(ctx context.Context, key string) (int, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}

	payload, ok, err := c.query(ctx, opBalance, "3", key, "0", "0")
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	credits, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return 0, fmt.Errorf("ledger: unexpected balance response %q", payload)
	}
	return credits, nil
}

// Check 余额是否足够支付 cost
func (c *Client) Check(ctx context.Context, key string, cost int) (bool, error) {
	credits, err := c.Balance(ctx, key)
	if err != nil {
		return false, err
	}
	return credits-cost >= 0, nil
}

// Consume 扣除 cost 积分。cost 为 0 时不访问账本；同一账户的扣费请求不会重叠
func (c *Client) Consume(ctx context.Context, key string, cost int) error {
	if cost == 0 {
		return nil
	}
	if err := ValidateKey(key); err != nil {
		return err
	}

	unlock := c.chargeLocks.lock(key)
	defer unlock()

	_, ok, err := c.query(ctx, opDebit, "3", key, "0", "0", strconv.Itoa(-cost))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrChargeFailed, err)
	}
	if !ok {
		return ErrChargeFailed
	}

	logger.Info("积分扣除成功",
		logger.String("account", key),
		logger.Int("cost", cost))
	return nil
}

// query 发送一行请求。ok 为 false 表示账本返回了 "." 无值
func (c *Client) query(ctx context.Context, fields ...string) (string, bool, error) {
	line, err := charmap.ISO8859_1.NewEncoder().String(strings.Join(fields, ",") + "\n")
	if err != nil {
		return "", false, fmt.Errorf("ledger: encode request: %w", err)
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
	}

	if _, err := conn.Write([]byte(line)); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
	}

	buf := make([]byte, responseBufferSize)
	n, err := conn.Read(buf)
	if n == 0 {
		if err == nil {
			err = fmt.Errorf("empty response")
		}
		return "", false, fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
	}

	raw := buf[:n]
	if string(raw) == noValue {
		return "", false, nil
	}

	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return "", false, fmt.Errorf("ledger: decode response: %w", err)
	}
	payload, _, _ := strings.Cut(string(decoded), "\n")
	return payload, true, nil
}

// accountLocks 按账户键加锁，空闲的锁会被回收
type accountLocks struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[string]*accountLock)}
}

func (l *accountLocks) lock(key string) func() {
	l.mu.Lock()
	al, ok := l.locks[key]
	if !ok {
		al = &accountLock{}
		l.locks[key] = al
	}
	al.refs++
	l.mu.Unlock()

	al.mu.Lock()
	return func() {
		al.mu.Unlock()
		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
