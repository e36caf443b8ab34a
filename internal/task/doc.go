// Package task 提供 agent 评估队列（内存、Redis、RabbitMQ）以及消费队列并执行双向决策的处理器。
package task
