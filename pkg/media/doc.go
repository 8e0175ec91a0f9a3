// Package media реализует аудио тракт голосовой сессии: кодек, захват,
// очередь воспроизведения и микширование.
//
// # Основные возможности
//
//   - Адаптер кодека с фиксированным размером кадра (20 мс, 48 кГц)
//   - Конвейер захвата с раздачей сжатых кадров всем подключенным сессиям
//   - Очередь воспроизведения с ограниченной глубиной и вытеснением старых данных
//   - Микшер, сводящий очереди всех сессий в одно устройство вывода
//   - Виртуальные устройства для работы без звуковой карты
//   - Типизированные ошибки с кодами и контекстной информацией
//
// # Архитектура
//
// Путь отправки:
//
//	CaptureDevice -> CapturePipeline -> CodecAdapter.Encode -> FrameSink (сессия)
//
// Путь приема:
//
//	сессия -> CodecAdapter.Decode -> PlaybackQueue.Push
//	PlaybackDevice -> PlaybackMixer.Pull -> PlaybackQueue.Pull
//
// # Быстрый старт
//
//	format := media.DefaultAudioFormat()
//	codec, err := media.NewCodecAdapter(format, encoder, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	pipeline := media.NewCapturePipeline(media.NewToneSource(440, 0.3), codec, logger, nil)
//	pipeline.Subscribe("peer-1", sink)
//	if err := pipeline.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer pipeline.Stop()
//
// # Потоки и блокировки
//
// Колбэки устройств вызываются из их собственных горутин. Мьютекс очереди
// воспроизведения охватывает только изменение очереди: Pull копирует данные
// и возвращается, запись в устройство выполняется вызывающим.
//
// # Обработка ошибок
//
// Ошибки кадра (EncodeError, DecodeError, CaptureFormatError) не завершают
// сессию: кадр отбрасывается, вместо нераскодированного кадра подставляется тишина.
//
//	if media.IsFrameError(err) {
//	    // кадр потерян, продолжаем
//	}
//	if errors.Is(err, media.ErrSessionClosed) {
//	    // сессия завершена
//	}
package media
