// Package thirdparty はサードパーティ向けリクエストゲートウェイを実装する。
//
// 保護対象の接頭辞配下へのリクエストに対し、次の順で検査を行う。
//
//	Start → CredentialsPresent → Validated → RateLimitOk → EndpointAllowed → Forwarded → Completed
//
// いずれかの段階で拒否された場合も、監査レコードを必ず1件記録してから
// 呼び出し元へ {"error": <message>} を返す。
//
// 各段階は CredentialValidator、RateLimiter、EndpointAuthorizer、AuditRecorder の
// インターフェースとして差し替え可能になっている。
package thirdparty
