// Package agent 编排 agent 的创建流程：创建 vault、存入抵押品、上线，并登记到决策历史中以便纳入定时评估。
package agent
