// Package internal 實現了即時配對與對局協調服務的核心。
//
// 在一條長連接之上，服務完成四件事：驗證已登入的使用者、
// 追蹤誰在線上、在兩位在線使用者之間撮合遊戲邀請，
// 以及在對局期間持有井字棋的權威狀態（含重連與異常斷線恢復）。
//
// 架構設計
//
// 系統採用分層架構，依賴方向由外而內：
//   - Handler 層：HTTP 運維端點與 WebSocket 升級入口
//   - Hub 層：連接生命週期、身份握手、事件分發與廣播
//   - PresenceRegistry：在線名冊（連接 ID ↔ 使用者 ↔ 配對代碼）
//   - InviteBroker：邀請撮合與過期回收
//   - GameEngine：對局狀態機、勝負判定、比分與房間銷毀
//   - Identity：身份服務介面（PostgreSQL 後端 + 可選 Redis 快取）
//
// 併發模型
//
// 單條連接的事件在 readPump 的 goroutine 內順序處理；
// 三個共享組件各自持鎖，讀-改-寫序列為原子單元：
//   - 名冊的三個索引在同一臨界區內整組更新
//   - 同房間的落子由房間鎖串行化，競爭的一方靜默落空
//   - 不同房間、不同目標連接的事件互不阻塞
//
// 唯一會阻塞的操作是握手期間的身份解析；所有持久化失敗
// 只記日誌，不阻塞連接清理。
//
// 未來規劃
//
// 目前所有狀態保存在單一進程內存中。跨進程水平擴展需要
// 把在線名冊與房間路由外部化（共享目錄服務），屬於後續擴展。
package internal
