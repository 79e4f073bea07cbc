// Package llm 定义辩论引擎与模型提供者之间的统一契约：
// 请求/响应结构、提供者接口以及统一错误码。
//
// 具体厂商适配器不在本仓库范围内，调用方以 Provider 接口注入实现；
// gateway 包在此接口外层提供熔断、超时与指标采集。
package llm
