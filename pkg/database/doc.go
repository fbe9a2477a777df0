// Package database は論理データソース（Primary/Secondary）ごとのSQLite接続と、
// トランザクション単位の作業（Unit of Work）を提供する。
//
// 書き込みはPrimary、参照系はSecondaryを使用する。Secondaryが設定されていない
// 場合はPrimaryにフォールバックする。1つのトランザクションが複数の外部呼び出しに
// またがってはならない。
package database
