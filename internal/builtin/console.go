package builtin

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
)

func init() {
	Builtins = append(Builtins, func(worker Worker) {
		worker.Runtime().Set("console", &ConsoleClient{worker.Logger().Named("console")})
	})
}

type ConsoleClient struct {
	logger hclog.Logger
}

func (c *ConsoleClient) Log(a ...interface{}) {
	c.logger.Info(join(a))
}

func (c *ConsoleClient) Debug(a ...interface{}) {
	c.logger.Debug(join(a))
}

func (c *ConsoleClient) Info(a ...interface{}) {
	c.logger.Info(join(a))
}

func (c *ConsoleClient) Warn(a ...interface{}) {
	c.logger.Warn(join(a))
}

func (c *ConsoleClient) Error(a ...interface{}) {
	c.logger.Error(join(a))
}

func join(a []interface{}) string {
	parts := make([]string, len(a))
	for i, v := range a {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, " ")
}
