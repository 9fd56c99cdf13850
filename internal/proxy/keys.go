package proxy

import (
	"bufio"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rc4"
	"encoding/hex"
	"io"
)

const sealBufferSize = 64 * 1024

// imageKey 返回缓存 key（md5 十六进制）与作为 RC4 密钥的原始摘要。
func imageKey(dataSaver bool, chapterHash, fileName string) (string, []byte) {
	name := chapterHash + "." + fileName
	if dataSaver {
		name = "saver" + name
	}
	sum := md5.Sum([]byte(name))
	return hex.EncodeToString(sum[:]), sum[:]
}

// imagePath 是回源使用的规范化路径。
func imagePath(dataSaver bool, chapterHash, fileName string) string {
	prefix := "/data"
	if dataSaver {
		prefix = "/data-saver"
	}
	return prefix + "/" + chapterHash + "/" + fileName
}

// sealedWriter 在写入缓存文件前做 RC4 加密；Close 先刷新缓冲再关闭文件。
type sealedWriter struct {
	enc  cipher.StreamWriter
	buf  *bufio.Writer
	file io.Closer
}

func newSealedWriter(dst io.WriteCloser, key []byte) (io.WriteCloser, error) {
	stream, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriterSize(dst, sealBufferSize)
	return &sealedWriter{
		enc:  cipher.StreamWriter{S: stream, W: buf},
		buf:  buf,
		file: dst,
	}, nil
}

func (w *sealedWriter) Write(p []byte) (int, error) {
	return w.enc.Write(p)
}

func (w *sealedWriter) Close() error {
	err := w.buf.Flush()
	if closeErr := w.file.Close(); err == nil {
		err = closeErr
	}
	return err
}

// openedReader 解密缓存内容，Close 时释放快照。
type openedReader struct {
	io.Reader
	closer io.Closer
}

func newOpenedReader(src io.Reader, closer io.Closer, key []byte) (io.ReadCloser, error) {
	stream, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &openedReader{
		Reader: cipher.StreamReader{S: stream, R: bufio.NewReaderSize(src, sealBufferSize)},
		closer: closer,
	}, nil
}

func (r *openedReader) Close() error {
	return r.closer.Close()
}
