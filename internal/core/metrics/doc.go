// Package metrics 提供 Prometheus 指标
//
// Collector 同时实现匹配表、暂存适配器、incarnation 守卫与路由器的观察者接口，
// 由 fx 注入到各模块。
//
// # 指标
//
//	<ns>_table_pending{kind}                 挂起条目数
//	<ns>_table_delivered_total               完成的匹配
//	<ns>_table_wait_seconds                  先到者等待时长
//	<ns>_table_cancelled_total               取消的键
//	<ns>_table_aborted_total                 批量中止释放的条目
//	<ns>_table_failures_total{code}          以错误结束的调用
//	<ns>_placement_copies_total{from,to,result}
//	<ns>_placement_bytes_total{from,to}
//	<ns>_incarnation_rejected_total          被拒绝的远端访问
//	<ns>_incarnation_invalidated_total       因重启失效的条目
//	<ns>_router_routed_total{op,path}        分派次数（local/remote）
//	<ns>_router_mode_conflicts_total
//	<ns>_events_emitted_total{type}          事件总线发射数（抓取时读取）
//	<ns>_events_dropped_total{type}          订阅者缓冲区满丢弃的事件
//
// 默认注册到私有 Registry，多个运行时可在同一进程共存；
// 需要暴露到全局时通过 WithRegisterer 传入 prometheus.DefaultRegisterer。
package metrics
