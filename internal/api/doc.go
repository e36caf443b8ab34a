// Package api 提供管理用的 HTTP 接口：决策预演、手动触发评估、决策历史、指标与健康检查。
package api
