// Package pipeline реализует многопоточный конвейер обработки RTP пакетов.
//
// Конвейер состоит из трех стадий, соединенных шардированными очередями:
//
//	ingestion → processing → transmission
//
// Стадии исполняются рабочими горутинами трехуровневого пула (TieredPool):
// прием и отправка на уровне realtime (закрепление за OS потоком и попытка
// повышения приоритета планировщика), декодирование на уровне high,
// мониторинг на уровне normal. Все переходы между стадиями неблокирующие:
// заполненная очередь означает подсчитанную потерю, а не остановку
// источника.
//
// Метрики конвейера собираются MetricsCollector. Сборка с тегом prometheus
// дополнительно экспортирует их через client_golang, по умолчанию
// компилируется облегченная версия только с атомарными счетчиками.
package pipeline
