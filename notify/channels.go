package notify

import (
	"fmt"
	"log"
	"os"
)

// Channel 通知投递通道接口
type Channel interface {
	Send(event Event) error
	Name() string
}

// LogChannel 日志通道：投递即写结构化文本日志
type LogChannel struct {
	logger *log.Logger
	name   string
}

// NewLogChannel 创建日志通道
func NewLogChannel(name string, output *os.File) *LogChannel {
	if output == nil {
		output = os.Stdout
	}
	return &LogChannel{
		logger: log.New(output, "[NOTIFY] ", log.LstdFlags),
		name:   name,
	}
}

// Send 发送通知到日志
func (c *LogChannel) Send(event Event) error {
	msg := fmt.Sprintf("[%s] user=%s %s", event.Type, event.OwnerUserID, event.Message)
	if len(event.Fields) > 0 {
		msg += " |"
		for k, v := range event.Fields {
			msg += fmt.Sprintf(" %s=%v", k, v)
		}
	}
	c.logger.Println(msg)
	return nil
}

// Name 返回通道名称
func (c *LogChannel) Name() string {
	return c.name
}

// ConsoleChannel 控制台通道（彩色输出）
type ConsoleChannel struct {
	name string
}

// NewConsoleChannel 创建控制台通道
func NewConsoleChannel(name string) *ConsoleChannel {
	return &ConsoleChannel{name: name}
}

// Send 发送通知到控制台（带颜色）
func (c *ConsoleChannel) Send(event Event) error {
	colorReset := "\033[0m"
	colorCode := ""
	switch event.Level {
	case "INFO":
		colorCode = "\033[32m" // 绿色
	case "WARNING":
		colorCode = "\033[33m" // 黄色
	case "ERROR":
		colorCode = "\033[31m" // 红色
	default:
		colorCode = colorReset
	}

	msg := fmt.Sprintf("%s[%s]%s %s user=%s - %s",
		colorCode,
		event.Type,
		colorReset,
		event.Timestamp.Format("2006-01-02 15:04:05"),
		event.OwnerUserID,
		event.Message,
	)
	if len(event.Fields) > 0 {
		msg += " |"
		for k, v := range event.Fields {
			msg += fmt.Sprintf(" %s=%v", k, v)
		}
	}

	fmt.Println(msg)
	return nil
}

// Name 返回通道名称
func (c *ConsoleChannel) Name() string {
	return c.name
}

// MockChannel 模拟通道（测试用）
type MockChannel struct {
	name      string
	events    []Event
	shouldErr bool
}

// NewMockChannel 创建模拟通道
func NewMockChannel(name string) *MockChannel {
	return &MockChannel{
		name:   name,
		events: make([]Event, 0),
	}
}

// Send 记录通知（测试断言用）
func (c *MockChannel) Send(event Event) error {
	if c.shouldErr {
		return fmt.Errorf("mock error")
	}
	c.events = append(c.events, event)
	return nil
}

// Name 返回通道名称
func (c *MockChannel) Name() string {
	return c.name
}

// Events 获取所有接收到的通知
func (c *MockChannel) Events() []Event {
	return c.events
}

// SetShouldError 设置是否返回错误
func (c *MockChannel) SetShouldError(shouldErr bool) {
	c.shouldErr = shouldErr
}

// Clear 清空记录
func (c *MockChannel) Clear() {
	c.events = make([]Event, 0)
}

// Count 返回接收到的通知数量
func (c *MockChannel) Count() int {
	return len(c.events)
}

// CountByType 返回指定事件类型的数量
func (c *MockChannel) CountByType(eventType string) int {
	n := 0
	for _, e := range c.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
